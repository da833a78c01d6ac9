// Package ledger keeps the append-only record of every outbound
// invocation in a run: searches, fetches, and synthesis calls, with their
// unit counts and cost. The ledger is the audit trail; nothing is ever
// rewritten or removed.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// Ledger accumulates invocation records for one run.
type Ledger struct {
	runKey string
	logger *zap.Logger
	mirror *Mirror

	mu          sync.Mutex
	invocations []models.Invocation
}

// New returns an empty ledger for the run. mirror may be nil.
func New(runKey string, mirror *Mirror, logger *zap.Logger) *Ledger {
	return &Ledger{runKey: runKey, mirror: mirror, logger: logger}
}

// Record appends one invocation. Mirror failures are logged, never fatal:
// the in-memory ledger stays authoritative.
func (l *Ledger) Record(inv models.Invocation) {
	l.mu.Lock()
	l.invocations = append(l.invocations, inv)
	l.mu.Unlock()

	if l.mirror != nil {
		if err := l.mirror.Insert(l.runKey, inv); err != nil {
			l.logger.Warn("Ledger mirror insert failed", zap.Error(err))
		}
	}
}

// Invocations returns a copy of all records in append order.
func (l *Ledger) Invocations() []models.Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Invocation(nil), l.invocations...)
}

// Summary aggregates the ledger for reporting.
type Summary struct {
	RunKey           string             `json:"run_key"`
	TotalCostUSD     float64            `json:"total_cost_usd"`
	TotalInputUnits  int                `json:"total_input_units"`
	TotalOutputUnits int                `json:"total_output_units"`
	InvocationCount  int                `json:"invocation_count"`
	CountsByKind     map[string]int     `json:"counts_by_kind"`
	CostByStage      map[string]float64 `json:"cost_by_stage"`
	CacheHits        int                `json:"cache_hits"`
	CacheHitRate     float64            `json:"cache_hit_rate"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// Summarize folds the records into totals. Cached invocations cost nothing
// but still count toward the hit rate.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		RunKey:       l.runKey,
		CountsByKind: make(map[string]int),
		CostByStage:  make(map[string]float64),
		GeneratedAt:  time.Now().UTC(),
	}
	cacheable := 0
	for _, inv := range l.invocations {
		s.InvocationCount++
		s.TotalCostUSD += inv.CostUSD
		s.TotalInputUnits += inv.InputUnits
		s.TotalOutputUnits += inv.OutputUnits
		s.CountsByKind[string(inv.Kind)]++
		s.CostByStage[fmt.Sprintf("stage_%d", inv.StageOrdinal)] += inv.CostUSD

		if inv.Kind == models.KindSearch || inv.Kind == models.KindFetch {
			cacheable++
			if inv.Cached {
				s.CacheHits++
			}
		}
	}
	if cacheable > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(cacheable)
	}
	return s
}

// artifact is the on-disk shape: summary plus the full record list.
type artifact struct {
	Summary     Summary             `json:"summary"`
	Invocations []models.Invocation `json:"invocations"`
}

// WriteArtifact persists the full ledger as a JSON report under dir and
// returns the file path.
func (l *Ledger) WriteArtifact(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cost dir: %w", err)
	}

	data, err := json.MarshalIndent(artifact{
		Summary:     l.Summarize(),
		Invocations: l.Invocations(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal ledger: %w", err)
	}

	name := fmt.Sprintf("%s_costs_%s.json", l.runKey, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write ledger artifact: %w", err)
	}

	l.logger.Info("Cost ledger written",
		zap.String("path", path),
		zap.Int("invocations", len(l.Invocations())),
	)
	return path, nil
}
