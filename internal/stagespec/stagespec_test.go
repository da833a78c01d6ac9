package stagespec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadBuiltinSet(t *testing.T) {
	set, err := Load("", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 7, set.Len())

	for i, s := range set.Stages {
		assert.Equal(t, i+1, s.Ordinal)
		assert.NotEmpty(t, s.Name)
		assert.NotEmpty(t, s.Queries)
		assert.NotEmpty(t, s.RequiredTables)
	}

	epi := set.ByOrdinal(1)
	require.NotNil(t, epi)
	assert.Equal(t, "Epidemiology", epi.Name)
	assert.Contains(t, epi.RequiredTables, "prevalence_incidence")
}

func TestLoadCustomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - ordinal: 1
    name: Only Stage
    queries: ["{subject} in {market}"]
    table_schemas:
      t1: [A, B]
    required_tables: [t1]
`), 0o644))

	set, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "Only Stage", set.Stages[0].Name)
}

func TestLoadRejectsRequiredTableWithoutSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - ordinal: 1
    name: Broken
    queries: [q]
    table_schemas:
      other: [A]
    required_tables: [missing]
`), 0o644))

	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateOrdinals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - ordinal: 1
    name: A
    queries: [q]
    table_schemas: {t: [X]}
    required_tables: [t]
  - ordinal: 1
    name: B
    queries: [q]
    table_schemas: {t: [X]}
    required_tables: [t]
`), 0o644))

	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}

func TestExpandQueries(t *testing.T) {
	sp := &Spec{Queries: []string{
		"{subject} prevalence {market}",
		"{market} population {city}",
		"plain query",
	}}

	out := sp.ExpandQueries("chronic urticaria", "Sweden", "Stockholm")
	require.Len(t, out, 3)
	assert.Equal(t, "chronic urticaria prevalence Sweden", out[0])
	assert.Equal(t, "Sweden population Stockholm", out[1])
	assert.Equal(t, "plain query", out[2])
}

func TestInstructionsAssembly(t *testing.T) {
	sp := &Spec{
		Name: "Epidemiology",
		TableSchemas: map[string][]string{
			"demographics": {"Category", "Value"},
			"prevalence":   {"Metric", "Value", "Source"},
		},
		Focus: "Focus on prevalence data.",
	}

	out := sp.Instructions("chronic urticaria", "Sweden")
	assert.Contains(t, out, "research on chronic urticaria in Sweden")
	assert.Contains(t, out, "- demographics: Category, Value")
	assert.Contains(t, out, "- prevalence: Metric, Value, Source")
	assert.Contains(t, out, "STAGE-SPECIFIC INSTRUCTIONS: EPIDEMIOLOGY")
	assert.Contains(t, out, "Focus on prevalence data.")
	assert.Contains(t, out, `"NOT_FOUND"`)
}
