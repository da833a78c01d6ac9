// Package export renders a completed run into its deliverables: a
// machine-readable JSON document and a human-readable markdown report.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/ledger"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// WriteAll writes both export formats under dir and returns the first
// error.
func WriteAll(run *models.Run, summary ledger.Summary, dir string, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	jsonPath := filepath.Join(dir, run.Key+".json")
	if err := WriteJSON(run, summary, jsonPath); err != nil {
		return err
	}
	mdPath := filepath.Join(dir, run.Key+".md")
	if err := WriteMarkdown(run, mdPath); err != nil {
		return err
	}

	logger.Info("Run exported",
		zap.String("json", jsonPath),
		zap.String("markdown", mdPath),
	)
	return nil
}

type document struct {
	Run     *models.Run    `json:"run"`
	Costs   ledger.Summary `json:"costs"`
	Written time.Time      `json:"written_at"`
}

// WriteJSON writes the full run record with its cost summary.
func WriteJSON(run *models.Run, summary ledger.Summary, path string) error {
	data, err := json.MarshalIndent(document{
		Run:     run,
		Costs:   summary,
		Written: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write json export: %w", err)
	}
	return nil
}

// WriteMarkdown renders the run as a report: metadata, a table of
// contents, then every stage's tables, issues, and data gaps.
func WriteMarkdown(run *models.Run, path string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s %s - RESEARCH DATABASE\n\n---\n\n",
		strings.ToUpper(run.Market), strings.ToUpper(run.Subject))

	b.WriteString("## Database Information\n\n")
	b.WriteString("| Attribute | Value |\n|-----------|-------|\n")
	fmt.Fprintf(&b, "| Subject | %s |\n", run.Subject)
	fmt.Fprintf(&b, "| Market | %s |\n", run.Market)
	fmt.Fprintf(&b, "| Generated | %s |\n", run.UpdatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "| Completeness | %.1f%% |\n", run.Completeness)
	if run.TotalCostUSD > 0 {
		fmt.Fprintf(&b, "| Estimated Cost | $%.2f |\n", run.TotalCostUSD)
	}
	fmt.Fprintf(&b, "| Stages Completed | %d/%d |\n\n---\n\n", completedCount(run), len(run.Stages))

	b.WriteString("## Table of Contents\n\n")
	for _, stage := range run.Stages {
		anchor := strings.ReplaceAll(strings.ToLower(stage.Name), " ", "-")
		fmt.Fprintf(&b, "- [Stage %d: %s](#stage-%d-%s)\n", stage.Ordinal, stage.Name, stage.Ordinal, anchor)
	}
	b.WriteString("\n---\n\n")

	for _, stage := range run.Stages {
		writeStage(&b, stage)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write markdown export: %w", err)
	}
	return nil
}

func writeStage(b *strings.Builder, stage *models.Stage) {
	fmt.Fprintf(b, "## Stage %d: %s\n\n", stage.Ordinal, stage.Name)
	fmt.Fprintf(b, "**Status:** %s\n\n", stage.Status)

	if stage.Result == nil {
		b.WriteString("_No structured data produced._\n\n---\n\n")
		return
	}

	for _, name := range tableNames(stage.Result) {
		table := stage.Result.Tables[name]
		fmt.Fprintf(b, "### %s\n\n", humanize(name))
		writeTable(b, table)
		if len(table.Sources) > 0 {
			fmt.Fprintf(b, "Sources: %s\n\n", strings.Join(table.Sources, ", "))
		}
	}

	if len(stage.Issues) > 0 {
		b.WriteString("### Validation Issues\n\n")
		for _, issue := range stage.Issues {
			fmt.Fprintf(b, "- %s\n", issue)
		}
		b.WriteString("\n")
	}
	if len(stage.Result.Gaps) > 0 {
		b.WriteString("### Data Gaps\n\n")
		for _, gap := range stage.Result.Gaps {
			fmt.Fprintf(b, "- %s\n", gap)
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
}

func writeTable(b *strings.Builder, table *models.TableData) {
	if len(table.Columns) == 0 || len(table.Rows) == 0 {
		b.WriteString("_Empty table._\n\n")
		return
	}

	b.WriteString("| " + strings.Join(table.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(table.Columns)) + "\n")
	for _, row := range table.Rows {
		cells := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			cells[i] = strings.ReplaceAll(row[col], "|", "\\|")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	b.WriteString("\n")
}

// tableNames keeps the provider's ordering when recorded, falling back to
// map order for older records.
func tableNames(result *models.StructuredResult) []string {
	if len(result.TableOrder) == len(result.Tables) {
		return result.TableOrder
	}
	names := make([]string, 0, len(result.Tables))
	for name := range result.Tables {
		names = append(names, name)
	}
	return names
}

func humanize(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func completedCount(run *models.Run) int {
	n := 0
	for _, stage := range run.Stages {
		if stage.Status.Completed() {
			n++
		}
	}
	return n
}
