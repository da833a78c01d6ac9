// Package store persists run checkpoints as one JSON document per
// subject+market pair. Saves are atomic (write temp, rename) so an
// interrupted run always resumes from its last complete checkpoint.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// ErrCorruptState marks a persisted record that cannot be trusted. It is
// fatal: the store never silently repairs or recreates a run.
var ErrCorruptState = errors.New("corrupt run state")

var nonWord = regexp.MustCompile(`[^a-z0-9_]+`)

// Store reads and writes run checkpoints under a session directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates the session directory if needed and returns a store.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// RunKey normalizes a subject+market pair into a stable file key.
func RunKey(subject, market string) string {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, " ", "_")
		s = strings.ReplaceAll(s, "-", "_")
		return nonWord.ReplaceAllString(s, "")
	}
	return norm(market) + "_" + norm(subject)
}

// LoadOrCreate returns the persisted run for key, or a fresh one if no
// record exists. An unreadable or unrecognized record is ErrCorruptState.
func (s *Store) LoadOrCreate(key, subject, market, city string) (*models.Run, error) {
	path := s.runPath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		now := time.Now().UTC()
		run := &models.Run{
			SchemaVersion: models.SchemaVersion,
			Key:           key,
			Subject:       subject,
			Market:        market,
			City:          city,
			Status:        models.RunInProgress,
			CreatedAt:     now,
			UpdatedAt:     now,
			CurrentStage:  1,
		}
		s.logger.Info("Created new run",
			zap.String("key", key),
			zap.String("subject", subject),
			zap.String("market", market),
		)
		return run, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptState, path, err)
	}

	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrCorruptState, path, err)
	}
	if run.SchemaVersion != models.SchemaVersion {
		return nil, fmt.Errorf("%w: unknown schema version %d in %s", ErrCorruptState, run.SchemaVersion, path)
	}

	s.logger.Info("Loaded run",
		zap.String("key", key),
		zap.String("subject", run.Subject),
		zap.String("market", run.Market),
		zap.Int("current_stage", run.CurrentStage),
		zap.Float64("completeness", run.Completeness),
	)
	return &run, nil
}

// Save atomically persists the run. A crash mid-write leaves the previous
// checkpoint intact.
func (s *Store) Save(run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()
	run.Completeness = run.CalculateCompleteness()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	path := s.runPath(run.Key)
	tmp, err := os.CreateTemp(s.dir, run.Key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	metrics.CheckpointsSaved.Inc()
	s.logger.Debug("Checkpoint saved", zap.String("path", path))
	return nil
}

// ResumeStage returns the ordinal of the first stage whose status is not a
// completed terminal, scanning from 1 through totalStages. If every stage
// is completed it returns totalStages+1 (past-end).
func (s *Store) ResumeStage(run *models.Run, totalStages int) int {
	for ordinal := 1; ordinal <= totalStages; ordinal++ {
		st := run.StageByOrdinal(ordinal)
		if st == nil || !st.Status.Completed() {
			return ordinal
		}
	}
	return totalStages + 1
}

// Summary is a lightweight view of one persisted run.
type Summary struct {
	Key          string    `json:"key"`
	Subject      string    `json:"subject"`
	Market       string    `json:"market"`
	Status       string    `json:"status"`
	Completeness float64   `json:"completeness"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List returns summaries for every readable run record, most recent first.
// Unreadable records are skipped here (listing is advisory); loading one
// still fails loudly.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_run.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var run models.Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("Skipping unreadable run record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, Summary{
			Key:          run.Key,
			Subject:      run.Subject,
			Market:       run.Market,
			Status:       string(run.Status),
			Completeness: run.Completeness,
			UpdatedAt:    run.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Backup copies the current record aside with a timestamp suffix.
func (s *Store) Backup(key string) (string, error) {
	data, err := os.ReadFile(s.runPath(key))
	if err != nil {
		return "", fmt.Errorf("read run for backup: %w", err)
	}
	name := fmt.Sprintf("%s_backup_%s.json", key, time.Now().UTC().Format("20060102_150405"))
	dst := filepath.Join(s.dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	s.logger.Info("Run backup created", zap.String("path", dst))
	return dst, nil
}

func (s *Store) runPath(key string) string {
	return filepath.Join(s.dir, key+"_run.json")
}
