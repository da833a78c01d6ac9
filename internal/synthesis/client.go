package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/budget"
	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/pricing"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
	"github.com/pathfindlabs/journeybuilder/internal/tracing"
)

const apiVersion = "2023-06-01"

// Response is one successful synthesis call.
type Response struct {
	Text        string
	InputUnits  int
	OutputUnits int
	CostUSD     float64
}

// Client calls the synthesis provider's messages endpoint through the
// resilience stack.
type Client struct {
	cfg     config.SynthesisConfig
	http    *http.Client
	invoker *resilience.Invoker
	rates   *pricing.Table
	logger  *zap.Logger
}

// NewClient wires a synthesis client.
func NewClient(cfg config.SynthesisConfig, invoker *resilience.Invoker, rates *pricing.Table, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		invoker: invoker,
		rates:   rates,
		logger:  logger,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Synthesize sends the stage instructions and evidence context to the
// provider and returns the raw response text with its usage.
func (c *Client) Synthesize(ctx context.Context, stageOrdinal int, instructions, evidence string) (Response, error) {
	prompt := instructions + "\n\n## SEARCH RESULTS AND SOURCES\n\n" + evidence

	var resp Response
	_, err := c.invoker.Do(ctx, stageOrdinal, func(ctx context.Context) (resilience.Usage, error) {
		r, err := c.call(ctx, prompt)
		if err != nil {
			return resilience.Usage{}, err
		}
		resp = r
		return resilience.Usage{
			InputUnits:  r.InputUnits,
			OutputUnits: r.OutputUnits,
			CostUSD:     r.CostUSD,
		}, nil
	})
	if err != nil {
		return Response{}, err
	}

	c.logger.Info("Synthesis completed",
		zap.Int("stage", stageOrdinal),
		zap.Int("input_units", resp.InputUnits),
		zap.Int("output_units", resp.OutputUnits),
		zap.Float64("cost_usd", resp.CostUSD),
	)
	return resp, nil
}

func (c *Client) call(ctx context.Context, prompt string) (Response, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxOutputUnits,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Response{}, &resilience.PermanentError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.cfg.BaseURL)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, &resilience.PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	tracing.InjectTraceparent(ctx, req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, resilience.ClassifyNetwork(err)
	}
	defer httpResp.Body.Close()

	if err := resilience.ClassifyHTTP(httpResp.StatusCode, httpResp.Header.Get("Retry-After")); err != nil {
		io.Copy(io.Discard, httpResp.Body)
		return Response{}, err
	}

	var parsed messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return Response{}, &resilience.TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Content) == 0 {
		return Response{}, &resilience.TransientError{Err: fmt.Errorf("empty response content")}
	}

	return Response{
		Text:        parsed.Content[0].Text,
		InputUnits:  parsed.Usage.InputTokens,
		OutputUnits: parsed.Usage.OutputTokens,
		CostUSD:     c.rates.SynthesisCost(c.cfg.Model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}, nil
}

// BuildContext formats selected sources into the evidence block the
// provider sees. Unfetchable pages are stated, not hidden, so the
// provider does not hallucinate their content.
func BuildContext(sources []*models.SourceItem) string {
	var b strings.Builder
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = "Unknown"
		}
		content := src.Content
		if content == "" {
			content = "[Content not available - page could not be fetched]"
		}
		fmt.Fprintf(&b, "\n### Source %d: %s\nURL: %s\nDescription: %s\n\nContent:\n%s\n---\n",
			i+1, title, src.URL, src.Snippet, content)
	}
	return b.String()
}

// GapDirective renders accumulated validation gaps as an explicit
// instruction block for a re-synthesis attempt.
func GapDirective(gaps []string) string {
	if len(gaps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## IMPORTANT: PREVIOUS GAPS TO ADDRESS\n\n")
	b.WriteString("The following data gaps were identified in a previous attempt. Please focus on finding this information:\n")
	for _, gap := range gaps {
		b.WriteString("- " + gap + "\n")
	}
	b.WriteString("\nIf data cannot be found, mark as \"NOT_FOUND\" with explanation.\n")
	return b.String()
}

// EstimateUnits approximates the input size of one synthesis call before
// it is made; used for budget checks and dry runs.
func EstimateUnits(instructions, evidence string) int {
	return budget.Estimate(instructions) + budget.Estimate(evidence)
}
