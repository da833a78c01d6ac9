// Package orchestrator drives the per-stage state machine: acquire
// evidence, allocate it under the synthesis budget, synthesize, validate,
// and checkpoint. Stages run strictly sequentially; a checkpoint is saved
// at every terminal stage state so an interrupted run resumes exactly
// where it stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/budget"
	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/export"
	"github.com/pathfindlabs/journeybuilder/internal/gateway"
	"github.com/pathfindlabs/journeybuilder/internal/ledger"
	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
	"github.com/pathfindlabs/journeybuilder/internal/stagespec"
	"github.com/pathfindlabs/journeybuilder/internal/store"
	"github.com/pathfindlabs/journeybuilder/internal/synthesis"
	"github.com/pathfindlabs/journeybuilder/internal/tracing"
)

// ErrStageFailed marks a stage that reached the failed terminal state;
// the run's checkpoint still holds every earlier completed stage.
var ErrStageFailed = errors.New("stage failed")

// ErrStrictValidation marks a run aborted because validation gaps
// remained after the retry budget in strict mode.
var ErrStrictValidation = errors.New("validation gaps remain in strict mode")

// Synthesizer is the synthesis provider surface the orchestrator needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, stageOrdinal int, instructions, evidence string) (synthesis.Response, error)
}

// Acquirer is the content acquisition surface the orchestrator needs.
type Acquirer interface {
	Acquire(ctx context.Context, stageOrdinal int, queries []string, market string) ([]*models.SourceItem, []models.SearchLogEntry)
}

var _ Acquirer = (*gateway.Gateway)(nil)

// Orchestrator owns the run's mutable state. The components it drives
// receive data and return results; none of them hold it back.
type Orchestrator struct {
	cfg       config.Config
	store     *store.Store
	gw        Acquirer
	alloc     *budget.Allocator
	client    Synthesizer
	parser    *synthesis.Parser
	validator *synthesis.Validator
	led       *ledger.Ledger
	specs     *stagespec.Set
	logger    *zap.Logger
}

// New assembles the orchestrator.
func New(cfg config.Config, st *store.Store, gw Acquirer, alloc *budget.Allocator, client Synthesizer, parser *synthesis.Parser, validator *synthesis.Validator, led *ledger.Ledger, specs *stagespec.Set, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		gw:        gw,
		alloc:     alloc,
		client:    client,
		parser:    parser,
		validator: validator,
		led:       led,
		specs:     specs,
		logger:    logger,
	}
}

// Execute runs the stages from the run's resume point through toStage
// (inclusive; 0 means all). Each stage settles and checkpoints before the
// next begins; cancellation between stages leaves the last checkpoint
// intact.
func (o *Orchestrator) Execute(ctx context.Context, run *models.Run, toStage int) error {
	total := o.specs.Len()
	if toStage <= 0 || toStage > total {
		toStage = total
	}

	start := o.store.ResumeStage(run, total)
	if start > total {
		o.logger.Info("All stages already completed", zap.String("key", run.Key))
		return o.finishRun(run)
	}

	ctx, span := tracing.StartRunSpan(ctx, run.Key, run.Subject, run.Market)
	defer span.End()

	o.logger.Info("Run starting",
		zap.String("key", run.Key),
		zap.String("subject", run.Subject),
		zap.String("market", run.Market),
		zap.Int("from_stage", start),
		zap.Int("to_stage", toStage),
	)

	var stageErrs []error
	for ordinal := start; ordinal <= toStage; ordinal++ {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Run interrupted between stages",
				zap.Int("next_stage", ordinal),
			)
			return err
		}

		spec := o.specs.ByOrdinal(ordinal)
		if spec == nil {
			return fmt.Errorf("no stage spec for ordinal %d", ordinal)
		}
		err := o.executeStage(ctx, run, spec)
		if err == nil {
			continue
		}
		// In permissive mode a failed stage does not sink the run: later
		// stages still execute, and a subsequent resume retries this one.
		if o.cfg.Validation.Strict || !errors.Is(err, ErrStageFailed) {
			return err
		}
		stageErrs = append(stageErrs, err)
	}

	if len(stageErrs) == 0 && o.store.ResumeStage(run, total) > total {
		return o.finishRun(run)
	}
	if err := o.store.Save(run); err != nil {
		return err
	}
	return errors.Join(stageErrs...)
}

func (o *Orchestrator) executeStage(ctx context.Context, run *models.Run, spec *stagespec.Spec) error {
	ctx, span := tracing.StartStageSpan(ctx, spec.Ordinal, spec.Name)
	defer span.End()

	stage := run.StageByOrdinal(spec.Ordinal)
	if stage == nil {
		stage = &models.Stage{Ordinal: spec.Ordinal, Name: spec.Name, Status: models.StagePending}
		run.Stages = append(run.Stages, stage)
	}

	// A failed earlier attempt restarts from scratch.
	now := time.Now().UTC()
	stage.Status = models.StageRunning
	stage.StartedAt = &now
	stage.Issues = nil
	stage.ErrorClass = ""
	run.CurrentStage = spec.Ordinal
	stageStart := time.Now()

	o.logger.Info("Stage starting",
		zap.Int("ordinal", spec.Ordinal),
		zap.String("name", spec.Name),
	)

	queries := spec.ExpandQueries(run.Subject, run.Market, run.City)
	items, searchLog := o.gw.Acquire(ctx, spec.Ordinal, queries, run.Market)
	stage.SearchLog = searchLog
	if len(items) == 0 {
		// Degrade gracefully: synthesis proceeds on an empty context and
		// is expected to fail validation cleanly.
		o.logger.Warn("Acquisition yielded no sources, synthesizing on empty context",
			zap.Int("ordinal", spec.Ordinal),
		)
	}

	selected, used := o.alloc.Allocate(items, o.cfg.Budget.ContentBudget())
	evidence := synthesis.BuildContext(selected)
	instructions := spec.Instructions(run.Subject, run.Market)

	o.logger.Info("Stage context prepared",
		zap.Int("ordinal", spec.Ordinal),
		zap.Int("sources", len(selected)),
		zap.Int("content_units", used),
	)

	err := o.synthesizeLoop(ctx, run, stage, spec, instructions, evidence)
	metrics.StageDuration.Observe(time.Since(stageStart).Seconds())
	metrics.StagesCompleted.WithLabelValues(string(stage.Status)).Inc()

	if saveErr := o.store.Save(run); saveErr != nil {
		return saveErr
	}
	return err
}

// synthesizeLoop runs the bounded validating -> synthesizing retry loop
// and leaves the stage in a terminal state.
func (o *Orchestrator) synthesizeLoop(ctx context.Context, run *models.Run, stage *models.Stage, spec *stagespec.Spec, instructions, evidence string) error {
	var gaps []string
	maxRetries := o.cfg.Validation.MaxSynthesisRetries

	for attempt := 0; ; attempt++ {
		stage.Status = models.StageSynthesizing
		stage.Attempts++

		resp, err := o.client.Synthesize(ctx, spec.Ordinal, instructions+synthesis.GapDirective(gaps), evidence)
		if err != nil {
			return o.failStage(stage, err)
		}
		stage.InputUnits += resp.InputUnits
		stage.OutputUnits += resp.OutputUnits
		stage.CostUSD += resp.CostUSD
		stage.RawOutput = resp.Text

		stage.Status = models.StageValidating
		pr := o.parser.Parse(resp.Text)
		report := o.validator.Validate(pr, spec.RequiredTables, spec.CriticalFields)

		if pr.Success {
			stage.Result = pr.Result
			stage.Quality = pr.Quality
			if len(pr.SearchLog) > 0 {
				stage.SearchLog = append(stage.SearchLog, pr.SearchLog...)
			}
		}

		if report.Ok() {
			o.completeStage(run, stage, models.StageCompleted, nil)
			return nil
		}

		issues := report.Issues()
		if attempt < maxRetries {
			gaps = append(gaps, issues...)
			metrics.SynthesisRetries.Inc()
			o.logger.Warn("Synthesis incomplete, retrying with gap directive",
				zap.Int("ordinal", spec.Ordinal),
				zap.Int("attempt", attempt+1),
				zap.Strings("issues", issues),
			)
			continue
		}

		if o.cfg.Validation.Strict {
			stage.Issues = issues
			err := fmt.Errorf("%w: stage %d: %v", ErrStrictValidation, spec.Ordinal, issues)
			return o.failStage(stage, err)
		}
		o.completeStage(run, stage, models.StageCompletedWithGaps, issues)
		return nil
	}
}

func (o *Orchestrator) completeStage(run *models.Run, stage *models.Stage, status models.StageStatus, issues []string) {
	now := time.Now().UTC()
	stage.Status = status
	stage.Issues = issues
	stage.CompletedAt = &now
	stage.Quality.ValidationGaps = issues
	run.CurrentStage = stage.Ordinal + 1

	o.logger.Info("Stage completed",
		zap.Int("ordinal", stage.Ordinal),
		zap.String("status", string(status)),
		zap.Int("issues", len(issues)),
		zap.Float64("cost_usd", stage.CostUSD),
	)
}

func (o *Orchestrator) failStage(stage *models.Stage, cause error) error {
	now := time.Now().UTC()
	stage.Status = models.StageFailed
	stage.ErrorClass = errorClass(cause)
	stage.CompletedAt = &now

	o.logger.Error("Stage failed",
		zap.Int("ordinal", stage.Ordinal),
		zap.String("class", stage.ErrorClass),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: stage %d: %w", ErrStageFailed, stage.Ordinal, cause)
}

func errorClass(err error) string {
	if errors.Is(err, ErrStrictValidation) {
		return "validation_gap"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return resilience.ClassOf(err)
}

// finishRun marks the run completed, persists the ledger artifact, and
// writes the export documents.
func (o *Orchestrator) finishRun(run *models.Run) error {
	now := time.Now().UTC()
	run.Status = models.RunCompleted
	run.CompletedAt = &now

	summary := o.led.Summarize()
	run.TotalCostUSD = summary.TotalCostUSD

	if _, err := o.led.WriteArtifact(o.cfg.Paths.CostDir); err != nil {
		o.logger.Warn("Cost artifact write failed", zap.Error(err))
	}
	if err := export.WriteAll(run, summary, o.cfg.Paths.OutputDir, o.logger); err != nil {
		o.logger.Warn("Export write failed", zap.Error(err))
	}

	if err := o.store.Save(run); err != nil {
		return err
	}
	o.logger.Info("Run completed",
		zap.String("key", run.Key),
		zap.Float64("completeness", run.Completeness),
		zap.Float64("total_cost_usd", run.TotalCostUSD),
	)
	return nil
}
