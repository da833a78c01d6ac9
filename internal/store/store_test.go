package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestRunKeyNormalization(t *testing.T) {
	assert.Equal(t, "sweden_chronic_urticaria", RunKey("Chronic Urticaria", "Sweden"))
	assert.Equal(t, "sweden_chronic_urticaria", RunKey("  chronic-urticaria ", "SWEDEN"))
	assert.Equal(t, "united_kingdom_type_2_diabetes", RunKey("Type 2 Diabetes!", "United Kingdom"))
}

func TestLoadOrCreateFreshRun(t *testing.T) {
	s := newTestStore(t)

	run, err := s.LoadOrCreate(RunKey("urticaria", "sweden"), "urticaria", "sweden", "Stockholm")
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, run.Status)
	assert.Equal(t, models.SchemaVersion, run.SchemaVersion)
	assert.Equal(t, 1, run.CurrentStage)
	assert.Equal(t, "Stockholm", run.City)
	assert.Empty(t, run.Stages)
}

func TestSaveAndReload(t *testing.T) {
	s := newTestStore(t)
	key := RunKey("urticaria", "sweden")

	run, err := s.LoadOrCreate(key, "urticaria", "sweden", "")
	require.NoError(t, err)
	run.Stages = append(run.Stages, &models.Stage{
		Ordinal: 1, Name: "Epidemiology", Status: models.StageCompleted,
		Result: &models.StructuredResult{Tables: map[string]*models.TableData{
			"t": {Columns: []string{"A"}, Rows: []map[string]string{{"A": "x"}}},
		}},
	})
	run.CurrentStage = 2
	require.NoError(t, s.Save(run))

	reloaded, err := s.LoadOrCreate(key, "urticaria", "sweden", "")
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.CurrentStage)
	require.Len(t, reloaded.Stages, 1)
	assert.Equal(t, models.StageCompleted, reloaded.Stages[0].Status)
	assert.Greater(t, reloaded.Completeness, 0.0, "completeness recomputed on save")
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	run, err := s.LoadOrCreate("k", "s", "m", "")
	require.NoError(t, err)
	require.NoError(t, s.Save(run))
	require.NoError(t, s.Save(run))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k_run.json", entries[0].Name())
}

func TestLoadCorruptRecordIsFatal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k_run.json"), []byte("{not json"), 0o644))

	_, err = s.LoadOrCreate("k", "s", "m", "")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestLoadUnknownSchemaVersionIsFatal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k_run.json"),
		[]byte(`{"schema_version": 99, "key": "k"}`), 0o644))

	_, err = s.LoadOrCreate("k", "s", "m", "")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestResumeStage(t *testing.T) {
	s := newTestStore(t)

	run := &models.Run{Stages: []*models.Stage{
		{Ordinal: 1, Status: models.StageCompleted},
		{Ordinal: 2, Status: models.StageFailed},
		{Ordinal: 3, Status: models.StagePending},
	}}
	assert.Equal(t, 2, s.ResumeStage(run, 7), "a failed stage is retried, not skipped")

	run = &models.Run{Stages: []*models.Stage{
		{Ordinal: 1, Status: models.StageCompleted},
		{Ordinal: 2, Status: models.StageCompletedWithGaps},
	}}
	assert.Equal(t, 3, s.ResumeStage(run, 7), "gapped completion still advances")

	run = &models.Run{}
	assert.Equal(t, 1, s.ResumeStage(run, 7))

	run = &models.Run{Stages: []*models.Stage{
		{Ordinal: 1, Status: models.StageCompleted},
		{Ordinal: 2, Status: models.StageCompleted},
	}}
	assert.Equal(t, 3, s.ResumeStage(run, 2), "past-end when everything is done")
}

func TestListOrdersByRecency(t *testing.T) {
	s := newTestStore(t)

	for _, key := range []string{"a_runone", "b_runtwo"} {
		run, err := s.LoadOrCreate(key, key, "m", "")
		require.NoError(t, err)
		require.NoError(t, s.Save(run))
		time.Sleep(5 * time.Millisecond)
	}

	out, err := s.List()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b_runtwo", out[0].Key, "most recent first")
	assert.True(t, out[0].UpdatedAt.After(out[1].UpdatedAt) || out[0].UpdatedAt.Equal(out[1].UpdatedAt))
}

func TestListSkipsUnreadableRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	run, err := s.LoadOrCreate("good", "s", "m", "")
	require.NoError(t, err)
	require.NoError(t, s.Save(run))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_run.json"), []byte("junk"), 0o644))

	out, err := s.List()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "good", out[0].Key)
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	run, err := s.LoadOrCreate("k", "s", "m", "")
	require.NoError(t, err)
	require.NoError(t, s.Save(run))

	path, err := s.Backup("k")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, filepath.Base(path), "k_backup_")

	_, err = s.Backup("missing")
	assert.Error(t, err)
}
