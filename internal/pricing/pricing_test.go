package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultTable(t *testing.T) {
	tab := Default(zap.NewNop())

	assert.InDelta(t, 0.005, tab.SearchCost(false), 1e-9)
	assert.Zero(t, tab.SearchCost(true), "cached searches are free")

	// 1M input + 1M output at sonnet rates.
	cost := tab.SynthesisCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, cost, 1e-9)
}

func TestSynthesisCostUnknownModelFallsBack(t *testing.T) {
	tab := Default(zap.NewNop())

	known := tab.SynthesisCost("claude-sonnet-4-20250514", 10_000, 2_000)
	unknown := tab.SynthesisCost("some-future-model", 10_000, 2_000)
	assert.InDelta(t, known, unknown, 1e-9)
}

func TestSynthesisCostPrefixMatch(t *testing.T) {
	tab := &Table{
		Models: map[string]ModelRate{
			"claude-opus": {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		},
		DefaultModel: "claude-opus",
	}

	cost := tab.SynthesisCost("claude-opus-4-20250514", 1_000_000, 0)
	assert.InDelta(t, 15.0, cost, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search_per_request: 0.01
default_model: test-model
models:
  test-model:
    input_per_million: 1.0
    output_per_million: 2.0
`), 0o644))

	tab, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	assert.InDelta(t, 0.01, tab.SearchCost(false), 1e-9)
	assert.InDelta(t, 3.0, tab.SynthesisCost("test-model", 1_000_000, 1_000_000), 1e-9)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	tab, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.NoError(t, err)
	assert.InDelta(t, 0.005, tab.SearchCost(false), 1e-9)
}

func TestLoadRejectsEmptyModelSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_per_request: 0.01\n"), 0o644))

	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}
