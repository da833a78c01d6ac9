package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/budget"
	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/ledger"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
	"github.com/pathfindlabs/journeybuilder/internal/stagespec"
	"github.com/pathfindlabs/journeybuilder/internal/store"
	"github.com/pathfindlabs/journeybuilder/internal/synthesis"
)

type fakeAcquirer struct {
	mu     sync.Mutex
	stages []int
	items  []*models.SourceItem
}

func (f *fakeAcquirer) Acquire(_ context.Context, stageOrdinal int, queries []string, _ string) ([]*models.SourceItem, []models.SearchLogEntry) {
	f.mu.Lock()
	f.stages = append(f.stages, stageOrdinal)
	f.mu.Unlock()

	searchLog := make([]models.SearchLogEntry, 0, len(queries))
	for _, q := range queries {
		searchLog = append(searchLog, models.SearchLogEntry{Query: q, ResultCount: len(f.items)})
	}
	return f.items, searchLog
}

type fakeSynthesizer struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
	prompts   []string
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ int, instructions, _ string) (synthesis.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, instructions)

	r := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	if r.err != nil {
		return synthesis.Response{}, r.err
	}
	return synthesis.Response{Text: r.text, InputUnits: 1000, OutputUnits: 200, CostUSD: 0.01}, nil
}

func validBody(tables ...string) string {
	payload := map[string]any{"tables": map[string]any{}}
	for _, name := range tables {
		payload["tables"].(map[string]any)[name] = map[string]any{
			"headers": []string{"A"},
			"rows":    []map[string]string{{"A": "x"}, {"A": "y"}},
		}
	}
	data, _ := json.Marshal(payload)
	return "```json\n" + string(data) + "\n```"
}

func twoStageSpecs() *stagespec.Set {
	spec := func(ordinal int, table string) stagespec.Spec {
		return stagespec.Spec{
			Ordinal:        ordinal,
			Name:           fmt.Sprintf("Stage %d", ordinal),
			Queries:        []string{"{subject} data {market}"},
			TableSchemas:   map[string][]string{table: {"A"}},
			RequiredTables: []string{table},
		}
	}
	return &stagespec.Set{Stages: []stagespec.Spec{spec(1, "t1"), spec(2, "t2")}}
}

func testConfig(t *testing.T, strict bool) config.Config {
	dir := t.TempDir()
	return config.Config{
		Budget: config.BudgetConfig{
			ContextCeiling:     180000,
			InstructionReserve: 5000,
			OutputReserve:      8000,
			SafetyMargin:       5000,
			MaxSources:         15,
			MinUsefulSlice:     1000,
		},
		Validation: config.ValidationConfig{
			Strict:              strict,
			MinRowsPerTable:     2,
			MaxPlaceholders:     10,
			MaxSynthesisRetries: 2,
		},
		Paths: config.PathsConfig{
			SessionDir: dir + "/sessions",
			CostDir:    dir + "/costs",
			OutputDir:  dir + "/outputs",
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg config.Config, acq *fakeAcquirer, syn *fakeSynthesizer, specs *stagespec.Set) (*Orchestrator, *store.Store) {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.New(cfg.Paths.SessionDir, logger)
	require.NoError(t, err)

	o := New(cfg, st, acq,
		budget.NewAllocator(cfg.Budget, logger),
		syn,
		synthesis.NewParser(logger),
		synthesis.NewValidator(cfg.Validation),
		ledger.New("test_run", nil, logger),
		specs,
		logger,
	)
	return o, st
}

func loadRun(t *testing.T, st *store.Store) *models.Run {
	t.Helper()
	run, err := st.LoadOrCreate(store.RunKey("urticaria", "sweden"), "urticaria", "sweden", "")
	require.NoError(t, err)
	return run
}

func TestExecuteCompletesAllStages(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{items: []*models.SourceItem{{URL: "https://example.com", Content: "evidence"}}}
	syn := &fakeSynthesizer{responses: []fakeResponse{
		{text: validBody("t1", "t2")},
	}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())

	run := loadRun(t, st)
	require.NoError(t, o.Execute(context.Background(), run, 0))

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, []int{1, 2}, acq.stages)
	for _, stage := range run.Stages {
		assert.Equal(t, models.StageCompleted, stage.Status)
		assert.NotNil(t, stage.Result)
	}
	assert.Equal(t, 3, st.ResumeStage(run, 2), "resume is past-end")
	assert.NotNil(t, run.CompletedAt)
}

func TestExecuteResumesAfterCompletedStage(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody("t1", "t2")}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())

	run := loadRun(t, st)
	now := time.Now().UTC()
	run.Stages = append(run.Stages, &models.Stage{
		Ordinal: 1, Name: "Stage 1", Status: models.StageCompleted, CompletedAt: &now,
	})
	require.NoError(t, st.Save(run))

	require.NoError(t, o.Execute(context.Background(), run, 0))
	assert.Equal(t, []int{2}, acq.stages, "stage 1 is never repeated")
}

func TestExecuteRetriesFailedStageOnResume(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody("t1", "t2")}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())

	run := loadRun(t, st)
	run.Stages = append(run.Stages,
		&models.Stage{Ordinal: 1, Status: models.StageCompleted},
		&models.Stage{Ordinal: 2, Status: models.StageFailed},
	)

	require.NoError(t, o.Execute(context.Background(), run, 0))
	assert.Equal(t, []int{2}, acq.stages)
	assert.Equal(t, models.StageCompleted, run.StageByOrdinal(2).Status)
}

func TestExecuteGapRetryThenSuccess(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{
		{text: validBody()}, // empty tables: validation gap
		{text: validBody("t1", "t2")},
	}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, &stagespec.Set{Stages: twoStageSpecs().Stages[:1]})

	run := loadRun(t, st)
	require.NoError(t, o.Execute(context.Background(), run, 0))

	stage := run.StageByOrdinal(1)
	assert.Equal(t, models.StageCompleted, stage.Status)
	assert.Equal(t, 2, stage.Attempts)

	// The retry prompt carries the accumulated gaps as a directive.
	require.Len(t, syn.prompts, 2)
	assert.NotContains(t, syn.prompts[0], "PREVIOUS GAPS TO ADDRESS")
	assert.Contains(t, syn.prompts[1], "PREVIOUS GAPS TO ADDRESS")
	assert.Contains(t, syn.prompts[1], "Missing required table: t1")
}

func TestExecutePermissiveAcceptsWithGaps(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody()}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, &stagespec.Set{Stages: twoStageSpecs().Stages[:1]})

	run := loadRun(t, st)
	require.NoError(t, o.Execute(context.Background(), run, 0))

	stage := run.StageByOrdinal(1)
	assert.Equal(t, models.StageCompletedWithGaps, stage.Status)
	assert.Equal(t, 1+cfg.Validation.MaxSynthesisRetries, stage.Attempts, "gap loop is bounded")
	assert.Contains(t, stage.Issues, "Missing required table: t1")
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestExecuteStrictAbortsOnGaps(t *testing.T) {
	cfg := testConfig(t, true)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody()}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, &stagespec.Set{Stages: twoStageSpecs().Stages[:1]})

	run := loadRun(t, st)
	err := o.Execute(context.Background(), run, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, ErrStrictValidation)

	stage := run.StageByOrdinal(1)
	assert.Equal(t, models.StageFailed, stage.Status)
	assert.Equal(t, "validation_gap", stage.ErrorClass)
}

func TestExecuteProviderFailureFailsStage(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{
		{err: &resilience.TransientError{Err: errors.New("provider down")}},
	}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, &stagespec.Set{Stages: twoStageSpecs().Stages[:1]})

	run := loadRun(t, st)
	err := o.Execute(context.Background(), run, 0)
	require.ErrorIs(t, err, ErrStageFailed)

	stage := run.StageByOrdinal(1)
	assert.Equal(t, models.StageFailed, stage.Status)
	assert.Equal(t, resilience.ClassTransient, stage.ErrorClass)

	// The checkpoint survives for a later resume.
	reloaded := loadRun(t, st)
	assert.Equal(t, 1, st.ResumeStage(reloaded, 2))
}

func TestExecutePermissiveContinuesPastFailedStage(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{
		{err: &resilience.TransientError{Err: errors.New("provider down")}},
		{text: validBody("t1", "t2")},
	}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())

	run := loadRun(t, st)
	err := o.Execute(context.Background(), run, 0)
	require.ErrorIs(t, err, ErrStageFailed)

	// Stage 2 still ran; the failed stage 1 is where a resume picks up.
	assert.Equal(t, []int{1, 2}, acq.stages)
	assert.Equal(t, models.StageFailed, run.StageByOrdinal(1).Status)
	assert.Equal(t, models.StageCompleted, run.StageByOrdinal(2).Status)
	assert.Equal(t, models.RunInProgress, run.Status)
	assert.Equal(t, 1, st.ResumeStage(run, 2))
}

func TestExecuteCancellationBetweenStages(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	ctx, cancel := context.WithCancel(context.Background())
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody("t1", "t2")}}}

	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())
	run := loadRun(t, st)

	// Cancel as soon as stage 1 starts acquiring; the check between
	// stages must stop the run before stage 2.
	go func() {
		for {
			acq.mu.Lock()
			n := len(acq.stages)
			acq.mu.Unlock()
			if n > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	err := o.Execute(ctx, run, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, acq.stages, 2)

	// The saved checkpoint resumes at stage 2, not before.
	reloaded := loadRun(t, st)
	assert.Equal(t, 2, st.ResumeStage(reloaded, 2))
}

func TestExecuteEmptyAcquisitionStillSynthesizes(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{} // zero sources for every query
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody()}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, &stagespec.Set{Stages: twoStageSpecs().Stages[:1]})

	run := loadRun(t, st)
	require.NoError(t, o.Execute(context.Background(), run, 0))

	// Synthesis ran on an empty context and failed validation cleanly.
	stage := run.StageByOrdinal(1)
	assert.Equal(t, models.StageCompletedWithGaps, stage.Status)
	assert.Greater(t, len(syn.prompts), 0)
	assert.False(t, strings.Contains(syn.prompts[0], "### Source 1"))
}

func TestExecuteStageRangeBound(t *testing.T) {
	cfg := testConfig(t, false)
	acq := &fakeAcquirer{}
	syn := &fakeSynthesizer{responses: []fakeResponse{{text: validBody("t1", "t2")}}}
	o, st := newTestOrchestrator(t, cfg, acq, syn, twoStageSpecs())

	run := loadRun(t, st)
	require.NoError(t, o.Execute(context.Background(), run, 1))

	assert.Equal(t, []int{1}, acq.stages)
	assert.Equal(t, models.RunInProgress, run.Status, "run stays in progress until every stage settles")
	assert.Equal(t, 2, st.ResumeStage(run, 2))
}
