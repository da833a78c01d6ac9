package models

import (
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the checkpoint record format version. The store refuses
// to load records written with a version it does not recognize.
const SchemaVersion = 1

// RunStatus is the overall status of a research run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
)

// StageStatus tracks a stage through its lifecycle. Transitions only move
// forward, except for the bounded validating -> synthesizing retry loop.
type StageStatus string

const (
	StagePending           StageStatus = "pending"
	StageRunning           StageStatus = "running"
	StageSynthesizing      StageStatus = "synthesizing"
	StageValidating        StageStatus = "validating"
	StageCompleted         StageStatus = "completed"
	StageCompletedWithGaps StageStatus = "completed_with_gaps"
	StageFailed            StageStatus = "failed"
)

// Terminal reports whether the status ends the current attempt.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageCompletedWithGaps || s == StageFailed
}

// Completed reports whether the stage finished with usable output.
func (s StageStatus) Completed() bool {
	return s == StageCompleted || s == StageCompletedWithGaps
}

// Run is one end-to-end execution for a subject + market pair.
type Run struct {
	SchemaVersion int        `json:"schema_version"`
	Key           string     `json:"key"`
	Subject       string     `json:"subject"`
	Market        string     `json:"market"`
	City          string     `json:"city,omitempty"`
	Status        RunStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CurrentStage  int        `json:"current_stage"`
	Stages        []*Stage   `json:"stages"`
	Completeness  float64    `json:"completeness_score"`
	TotalCostUSD  float64    `json:"total_cost_usd"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StageByOrdinal returns the stage with the given ordinal, or nil.
func (r *Run) StageByOrdinal(ordinal int) *Stage {
	for _, st := range r.Stages {
		if st.Ordinal == ordinal {
			return st
		}
	}
	return nil
}

// CalculateCompleteness averages per-stage completeness over completed
// stages; 0..100.
func (r *Run) CalculateCompleteness() float64 {
	if len(r.Stages) == 0 {
		return 0
	}
	var total float64
	var counted int
	for _, st := range r.Stages {
		if !st.Status.Completed() {
			continue
		}
		counted++
		if st.Result != nil {
			total += st.Result.Completeness()
		}
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted) * 100
}

// Stage is one sequential unit of work producing one set of structured
// tables.
type Stage struct {
	Ordinal     int               `json:"ordinal"`
	Name        string            `json:"name"`
	Status      StageStatus       `json:"status"`
	Issues      []string          `json:"issues,omitempty"`
	ErrorClass  string            `json:"error_class,omitempty"`
	Attempts    int               `json:"attempts"`
	Result      *StructuredResult `json:"result,omitempty"`
	SearchLog   []SearchLogEntry  `json:"search_log,omitempty"`
	RawOutput   string            `json:"raw_output,omitempty"`
	InputUnits  int               `json:"input_units"`
	OutputUnits int               `json:"output_units"`
	CostUSD     float64           `json:"cost_usd"`
	Quality     QualitySummary    `json:"quality_summary"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SourceItem is one piece of externally retrieved evidence: a search hit,
// optionally with fetched page content.
type SourceItem struct {
	Query     string `json:"query"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet,omitempty"`
	Source    string `json:"source,omitempty"`
	Published string `json:"published,omitempty"`
	Content   string `json:"content,omitempty"`
	Fetched   bool   `json:"fetched"`
	Cached    bool   `json:"cached"`
	Score     int    `json:"score"`
	Truncated bool   `json:"truncated,omitempty"`
}

// InvocationKind labels an outbound call.
type InvocationKind string

const (
	KindSearch    InvocationKind = "search"
	KindFetch     InvocationKind = "fetch"
	KindSynthesis InvocationKind = "synthesis"
)

// Invocation records one outbound call attempt. Append-only; immutable once
// recorded.
type Invocation struct {
	ID           string         `json:"id"`
	StageOrdinal int            `json:"stage_ordinal"`
	Kind         InvocationKind `json:"kind"`
	InputUnits   int            `json:"input_units"`
	OutputUnits  int            `json:"output_units"`
	Cached       bool           `json:"cached"`
	CostUSD      float64        `json:"cost_usd"`
	DurationMs   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	ErrorClass   string         `json:"error_class,omitempty"`
	Attempt      int            `json:"attempt"`
	Timestamp    time.Time      `json:"timestamp"`
}

// TableData is one structured table: ordered columns plus ordered row
// records keyed by column name.
type TableData struct {
	Columns    []string            `json:"columns"`
	Rows       []map[string]string `json:"rows"`
	Sources    []string            `json:"sources,omitempty"`
	Confidence string              `json:"confidence_level,omitempty"`
	DataGaps   []string            `json:"data_gaps,omitempty"`
}

// StructuredResult maps table names to their parsed data. Attached to a
// stage only after parsing succeeds.
type StructuredResult struct {
	Tables        map[string]*TableData `json:"tables"`
	TableOrder    []string              `json:"table_order,omitempty"`
	Gaps          []string              `json:"gaps,omitempty"`
	LowConfidence bool                  `json:"low_confidence,omitempty"`
}

// Completeness scores a result 0..1 by row counts and cell fill rate.
func (sr *StructuredResult) Completeness() float64 {
	if len(sr.Tables) == 0 {
		return 0
	}
	var total float64
	for _, tbl := range sr.Tables {
		if len(tbl.Rows) == 0 || len(tbl.Columns) == 0 {
			continue
		}
		rowScore := float64(len(tbl.Rows)) / 5
		if rowScore > 1 {
			rowScore = 1
		}
		filled, cells := 0, len(tbl.Rows)*len(tbl.Columns)
		for _, row := range tbl.Rows {
			for _, col := range tbl.Columns {
				v := strings.ToUpper(strings.TrimSpace(row[col]))
				if v != "" && v != "N/A" && v != "NOT_FOUND" && v != "-" {
					filled++
				}
			}
		}
		fillScore := 0.0
		if cells > 0 {
			fillScore = float64(filled) / float64(cells)
		}
		total += rowScore*0.4 + fillScore*0.6
	}
	return total / float64(len(sr.Tables))
}

// ValidationReport lists the shortfalls between required and produced
// output.
type ValidationReport struct {
	MissingTables      []string `json:"missing_tables,omitempty"`
	UnderPopulated     []string `json:"under_populated,omitempty"`
	MissingCritical    []string `json:"missing_critical,omitempty"`
	PlaceholderCount   int      `json:"placeholder_count,omitempty"`
	PlaceholderExcess  bool     `json:"placeholder_excess,omitempty"`
	ParseFailureErrors []string `json:"parse_failure_errors,omitempty"`
}

// Ok reports whether the output met every requirement.
func (v *ValidationReport) Ok() bool {
	return len(v.MissingTables) == 0 &&
		len(v.UnderPopulated) == 0 &&
		len(v.MissingCritical) == 0 &&
		!v.PlaceholderExcess &&
		len(v.ParseFailureErrors) == 0
}

// Issues flattens the report into human-readable gap statements, in the
// order they were detected.
func (v *ValidationReport) Issues() []string {
	var issues []string
	issues = append(issues, v.ParseFailureErrors...)
	issues = append(issues, v.MissingTables...)
	issues = append(issues, v.UnderPopulated...)
	issues = append(issues, v.MissingCritical...)
	if v.PlaceholderExcess {
		issues = append(issues, placeholderIssue(v.PlaceholderCount))
	}
	return issues
}

func placeholderIssue(count int) string {
	return "High number of missing data points: " + strconv.Itoa(count)
}

// SearchLogEntry summarizes one acquisition query.
type SearchLogEntry struct {
	Query       string `json:"query"`
	SourceFound string `json:"source_found,omitempty"`
	KeyData     string `json:"key_data_points,omitempty"`
	Cached      bool   `json:"cached"`
	ResultCount int    `json:"results_count"`
}

// QualitySummary captures per-stage quality indicators.
type QualitySummary struct {
	SearchesCompleted int      `json:"searches_completed"`
	TablesPopulated   int      `json:"tables_populated"`
	Confidence        string   `json:"confidence_level,omitempty"`
	DataRecency       string   `json:"data_recency,omitempty"`
	ParseMethod       string   `json:"parse_method,omitempty"`
	ValidationGaps    []string `json:"validation_gaps,omitempty"`
}
