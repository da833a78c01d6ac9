// Package synthesis calls the text-synthesis provider and turns its
// free-form output into structured tables. Providers do not reliably
// honor output-format instructions, so parsing degrades through a chain
// of strategies instead of failing on the first malformed response.
package synthesis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// Parse methods, in fallback order.
const (
	MethodJSONBlock        = "json_block"
	MethodRawJSON          = "raw_json"
	MethodMarkdownFallback = "markdown_fallback"
	MethodFailed           = "failed"
)

// ParseResult is the tagged outcome of parsing one response: either a
// structured result or the list of errors that defeated every strategy.
type ParseResult struct {
	Success   bool
	Method    string
	Result    *models.StructuredResult
	SearchLog []models.SearchLogEntry
	Quality   models.QualitySummary
	Errors    []string
	Raw       string
}

// Parser extracts structured tables from raw provider output.
type Parser struct {
	logger *zap.Logger
}

// NewParser returns a parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

var (
	fencedJSONRe  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedPlainRe = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
	pipeTableRe   = regexp.MustCompile(`(?m)^(\|[^\n]+\|)\n(\|[-:| ]+\|)\n((?:\|[^\n]+\|\n?)+)`)
	headingRe     = regexp.MustCompile(`#+\s*([^\n]+)\n*$`)
	nonWordRe     = regexp.MustCompile(`[^\w\s]`)
	spacesRe      = regexp.MustCompile(`\s+`)
)

// Parse tries each strategy in order and returns the first success:
// a fenced JSON block, the whole body as JSON, then markdown pipe-table
// reconstruction flagged low-confidence.
func (p *Parser) Parse(raw string) ParseResult {
	var errs []string

	if payload, ok := p.extractFencedJSON(raw); ok {
		if pr, perr := p.fromPayload(payload, MethodJSONBlock, raw); perr == nil {
			return pr
		} else {
			errs = append(errs, perr.Error())
		}
	}

	var payload wirePayload
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		if pr, perr := p.fromPayload(payload, MethodRawJSON, raw); perr == nil {
			return pr
		} else {
			errs = append(errs, perr.Error())
		}
	}

	if result := p.extractMarkdownTables(raw); len(result.Tables) > 0 {
		p.logger.Warn("Structured parse failed, using markdown fallback",
			zap.Int("tables", len(result.Tables)),
		)
		result.Gaps = []string{"Structured output parsing failed - extracted from markdown"}
		result.LowConfidence = true
		return ParseResult{
			Success: true,
			Method:  MethodMarkdownFallback,
			Result:  result,
			Quality: models.QualitySummary{ParseMethod: MethodMarkdownFallback},
			Errors:  errs,
			Raw:     raw,
		}
	}

	errs = append(errs, "All parsing strategies failed")
	p.logger.Error("Output parse failed", zap.Strings("errors", errs))
	return ParseResult{Method: MethodFailed, Errors: errs, Raw: raw}
}

// wirePayload is the provider's requested output shape.
type wirePayload struct {
	Tables    map[string]wireTable     `json:"tables"`
	SearchLog []models.SearchLogEntry  `json:"search_log"`
	DataGaps  []string                 `json:"data_gaps"`
	Quality   models.QualitySummary    `json:"quality_summary"`
}

type wireTable struct {
	Headers    []string         `json:"headers"`
	Rows       []map[string]any `json:"rows"`
	Sources    []string         `json:"sources"`
	Confidence string           `json:"confidence_level"`
	DataGaps   []string         `json:"data_gaps"`
}

func (p *Parser) extractFencedJSON(raw string) (wirePayload, bool) {
	for _, re := range []*regexp.Regexp{fencedJSONRe, fencedPlainRe} {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			var payload wirePayload
			if err := json.Unmarshal([]byte(m[1]), &payload); err != nil {
				continue
			}
			// Only a block carrying the tables key is a candidate;
			// fenced code samples without it are skipped.
			if strings.Contains(m[1], `"tables"`) {
				return payload, true
			}
		}
	}
	return wirePayload{}, false
}

func (p *Parser) fromPayload(payload wirePayload, method, raw string) (ParseResult, error) {
	if payload.Tables == nil {
		return ParseResult{}, fmt.Errorf("missing 'tables' key")
	}

	result := &models.StructuredResult{
		Tables: make(map[string]*models.TableData, len(payload.Tables)),
		Gaps:   payload.DataGaps,
	}
	for name, wt := range payload.Tables {
		rows := make([]map[string]string, 0, len(wt.Rows))
		for _, wr := range wt.Rows {
			row := make(map[string]string, len(wr))
			for k, v := range wr {
				row[k] = stringify(v)
			}
			rows = append(rows, row)
		}
		result.Tables[name] = &models.TableData{
			Columns:    wt.Headers,
			Rows:       rows,
			Sources:    wt.Sources,
			Confidence: wt.Confidence,
			DataGaps:   wt.DataGaps,
		}
		result.TableOrder = append(result.TableOrder, name)
	}

	quality := payload.Quality
	quality.ParseMethod = method
	return ParseResult{
		Success:   true,
		Method:    method,
		Result:    result,
		SearchLog: payload.SearchLog,
		Quality:   quality,
		Raw:       raw,
	}, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func (p *Parser) extractMarkdownTables(raw string) *models.StructuredResult {
	result := &models.StructuredResult{Tables: make(map[string]*models.TableData)}

	matches := pipeTableRe.FindAllStringSubmatch(raw, -1)
	for i, m := range matches {
		headerRow, body := m[1], m[3]

		var headers []string
		for _, h := range strings.Split(strings.Trim(headerRow, "|"), "|") {
			if h = strings.TrimSpace(h); h != "" {
				headers = append(headers, h)
			}
		}
		if len(headers) == 0 {
			continue
		}

		var rows []map[string]string
		for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cells := strings.Split(strings.Trim(line, "|"), "|")
			if len(cells) < len(headers) {
				continue
			}
			row := make(map[string]string, len(headers))
			for j, h := range headers {
				row[h] = strings.TrimSpace(cells[j])
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}

		name := p.inferTableName(raw, headerRow)
		if name == "" {
			name = fmt.Sprintf("table_%d", i+1)
		}
		result.Tables[name] = &models.TableData{
			Columns:    headers,
			Rows:       rows,
			Confidence: "LOW",
		}
		result.TableOrder = append(result.TableOrder, name)
	}
	return result
}

// inferTableName looks for a markdown heading in the 200 characters before
// the table and converts it to snake_case, capped at 50 characters.
func (p *Parser) inferTableName(raw, headerRow string) string {
	pos := strings.Index(raw, headerRow)
	if pos <= 0 {
		return ""
	}
	start := pos - 200
	if start < 0 {
		start = 0
	}
	m := headingRe.FindStringSubmatch(raw[start:pos])
	if m == nil {
		return ""
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))
	name = nonWordRe.ReplaceAllString(name, "")
	name = spacesRe.ReplaceAllString(strings.TrimSpace(name), "_")
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}
