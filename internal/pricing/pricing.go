// Package pricing converts provider usage into USD using a rate table
// loaded from YAML. Rates change often enough that they live in config,
// not code.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModelRate prices one synthesis model per million units.
type ModelRate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Table holds all rates for one run. It is immutable after load.
type Table struct {
	SearchPerRequest float64              `yaml:"search_per_request"`
	Models           map[string]ModelRate `yaml:"models"`
	DefaultModel     string               `yaml:"default_model"`

	logger *zap.Logger
}

// Default returns the built-in table used when no rate file is configured.
func Default(logger *zap.Logger) *Table {
	return &Table{
		SearchPerRequest: 0.005,
		Models: map[string]ModelRate{
			"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		},
		DefaultModel: "claude-sonnet-4-20250514",
		logger:       logger,
	}
}

// Load reads a rate table from path. A missing file falls back to the
// built-in defaults; a malformed file is an error.
func Load(path string, logger *zap.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("Rate table not found, using built-in defaults", zap.String("path", path))
		return Default(logger), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rate table %s: %w", path, err)
	}
	if t.SearchPerRequest < 0 {
		return nil, fmt.Errorf("rate table %s: negative search rate", path)
	}
	if len(t.Models) == 0 {
		return nil, fmt.Errorf("rate table %s: no models defined", path)
	}
	t.logger = logger

	logger.Info("Loaded rate table",
		zap.String("path", path),
		zap.Int("models", len(t.Models)),
	)
	return &t, nil
}

// SearchCost prices one search request. Cached requests are free.
func (t *Table) SearchCost(cached bool) float64 {
	if cached {
		return 0
	}
	return t.SearchPerRequest
}

// SynthesisCost prices one model call from its unit counts. Unknown models
// fall back to the default model's rate so cost is never silently zero.
func (t *Table) SynthesisCost(model string, inputUnits, outputUnits int) float64 {
	rate, ok := t.lookup(model)
	if !ok {
		if t.logger != nil {
			t.logger.Warn("Unknown model in rate table, using default rate", zap.String("model", model))
		}
		rate, ok = t.lookup(t.DefaultModel)
		if !ok {
			return 0
		}
	}
	return float64(inputUnits)/1e6*rate.InputPerMillion +
		float64(outputUnits)/1e6*rate.OutputPerMillion
}

func (t *Table) lookup(model string) (ModelRate, bool) {
	if rate, ok := t.Models[model]; ok {
		return rate, true
	}
	// Allow dated model IDs to match a versionless prefix entry.
	for name, rate := range t.Models {
		if strings.HasPrefix(model, name) {
			return rate, true
		}
	}
	return ModelRate{}, false
}
