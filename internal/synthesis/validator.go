package synthesis

import (
	"fmt"
	"strings"

	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// Validator checks a parsed result against a stage's requirements.
type Validator struct {
	minRows         int
	maxPlaceholders int
}

// NewValidator returns a validator with the configured floors.
func NewValidator(cfg config.ValidationConfig) *Validator {
	return &Validator{
		minRows:         cfg.MinRowsPerTable,
		maxPlaceholders: cfg.MaxPlaceholders,
	}
}

// Validate flags missing required tables, under-populated tables, critical
// fields absent from every row, and an excess of NOT_FOUND placeholders.
func (v *Validator) Validate(pr ParseResult, requiredTables []string, criticalFields map[string][]string) models.ValidationReport {
	var report models.ValidationReport

	if !pr.Success || pr.Result == nil {
		report.ParseFailureErrors = []string{"Output parsing failed"}
		return report
	}
	tables := pr.Result.Tables

	for _, name := range requiredTables {
		table, ok := tables[name]
		if !ok {
			report.MissingTables = append(report.MissingTables,
				fmt.Sprintf("Missing required table: %s", name))
			continue
		}
		if len(table.Rows) < v.minRows {
			report.UnderPopulated = append(report.UnderPopulated,
				fmt.Sprintf("Table '%s' has insufficient data (%d rows, minimum %d)",
					name, len(table.Rows), v.minRows))
		}
	}

	for tableName, fields := range criticalFields {
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		for _, field := range fields {
			if !anyRowMentions(table.Rows, field) {
				report.MissingCritical = append(report.MissingCritical,
					fmt.Sprintf("Missing critical data '%s' in table '%s'", field, tableName))
			}
		}
	}

	for _, table := range tables {
		for _, row := range table.Rows {
			for _, val := range row {
				if strings.Contains(strings.ToUpper(val), "NOT_FOUND") {
					report.PlaceholderCount++
					break
				}
			}
		}
	}
	report.PlaceholderExcess = report.PlaceholderCount > v.maxPlaceholders

	return report
}

func anyRowMentions(rows []map[string]string, term string) bool {
	needle := strings.ToLower(term)
	for _, row := range rows {
		for k, val := range row {
			if strings.Contains(strings.ToLower(k), needle) ||
				strings.Contains(strings.ToLower(val), needle) {
				return true
			}
		}
	}
	return false
}
