// Package stagespec supplies the per-stage research definitions: query
// templates, table schemas, required tables, critical fields, and
// synthesis instructions. The core pipeline treats all of this as
// injected data; a YAML file can replace the built-in set entirely.
package stagespec

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSpecs []byte

// Spec defines one research stage.
type Spec struct {
	Ordinal        int                 `yaml:"ordinal"`
	Name           string              `yaml:"name"`
	Queries        []string            `yaml:"queries"`
	TableSchemas   map[string][]string `yaml:"table_schemas"`
	RequiredTables []string            `yaml:"required_tables"`
	CriticalFields map[string][]string `yaml:"critical_fields"`
	Focus          string              `yaml:"focus"`
}

// Set is the ordered stage list for one run.
type Set struct {
	Stages []Spec `yaml:"stages"`
}

// Load reads stage specs from path, or the built-in set when path is
// empty. Specs are validated and sorted by ordinal.
func Load(path string, logger *zap.Logger) (*Set, error) {
	data := defaultSpecs
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read stage specs: %w", err)
		}
	}

	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse stage specs: %w", err)
	}
	if len(set.Stages) == 0 {
		return nil, fmt.Errorf("stage spec set is empty")
	}

	sort.Slice(set.Stages, func(i, j int) bool { return set.Stages[i].Ordinal < set.Stages[j].Ordinal })
	seen := make(map[int]bool, len(set.Stages))
	for _, s := range set.Stages {
		if s.Ordinal < 1 {
			return nil, fmt.Errorf("stage %q has invalid ordinal %d", s.Name, s.Ordinal)
		}
		if seen[s.Ordinal] {
			return nil, fmt.Errorf("duplicate stage ordinal %d", s.Ordinal)
		}
		seen[s.Ordinal] = true
		if len(s.RequiredTables) == 0 {
			return nil, fmt.Errorf("stage %q defines no required tables", s.Name)
		}
		for _, table := range s.RequiredTables {
			if _, ok := s.TableSchemas[table]; !ok {
				return nil, fmt.Errorf("stage %q requires table %q without a schema", s.Name, table)
			}
		}
	}

	logger.Info("Stage specs loaded", zap.Int("stages", len(set.Stages)))
	return &set, nil
}

// Len returns the number of stages.
func (s *Set) Len() int { return len(s.Stages) }

// ByOrdinal returns the spec for an ordinal, or nil.
func (s *Set) ByOrdinal(ordinal int) *Spec {
	for i := range s.Stages {
		if s.Stages[i].Ordinal == ordinal {
			return &s.Stages[i]
		}
	}
	return nil
}

// ExpandQueries substitutes the subject, market, and city placeholders
// into the stage's query templates. Templates with no placeholders pass
// through unchanged.
func (sp *Spec) ExpandQueries(subject, market, city string) []string {
	r := strings.NewReplacer(
		"{subject}", subject,
		"{market}", market,
		"{city}", city,
	)
	out := make([]string, 0, len(sp.Queries))
	for _, tmpl := range sp.Queries {
		q := strings.TrimSpace(r.Replace(tmpl))
		if q != "" {
			out = append(out, q)
		}
	}
	return out
}

const baseInstructions = `You are a market research analyst conducting research on {subject} in {market}.

## TASK
Analyze the provided search results and populate the following data tables.

## OUTPUT FORMAT
Return your analysis as a JSON object with the following structure:

` + "```json" + `
{
  "search_log": [
    {"query": "...", "source_found": "...", "key_data_points": "..."}
  ],
  "tables": {
    "table_name": {
      "headers": ["Column1", "Column2"],
      "rows": [
        {"Column1": "value1", "Column2": "value2"}
      ],
      "sources": ["source1", "source2"],
      "confidence_level": "HIGH|MEDIUM|LOW"
    }
  },
  "data_gaps": ["Gap 1", "Gap 2"],
  "quality_summary": {
    "searches_completed": 12,
    "tables_populated": 10,
    "confidence_level": "HIGH|MEDIUM|LOW",
    "data_recency": "2021-2025"
  }
}
` + "```" + `

## TABLES TO POPULATE
{table_schemas}

## IMPORTANT GUIDELINES
- Use "NOT_FOUND" for data that cannot be located
- Cross-validate key statistics across multiple sources when possible
- Note confidence level (HIGH/MEDIUM/LOW) based on source quality
- Document data gaps explicitly
- Prioritize recent data (last 5 years)
- Cite sources for each data point where possible`

// Instructions assembles the full synthesis instructions for this stage.
func (sp *Spec) Instructions(subject, market string) string {
	var schemas strings.Builder
	names := make([]string, 0, len(sp.TableSchemas))
	for name := range sp.TableSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&schemas, "- %s: %s\n", name, strings.Join(sp.TableSchemas[name], ", "))
	}

	out := strings.NewReplacer(
		"{subject}", subject,
		"{market}", market,
		"{table_schemas}", strings.TrimRight(schemas.String(), "\n"),
	).Replace(baseInstructions)

	if sp.Focus != "" {
		out += "\n\n## STAGE-SPECIFIC INSTRUCTIONS: " + strings.ToUpper(sp.Name) + "\n\n" + strings.TrimSpace(sp.Focus)
	}
	return out
}
