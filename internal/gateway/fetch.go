package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
)

const fetchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// fetchTruncationMarker matches the allocator's marker so the synthesis
// provider sees one consistent signal for cut content.
const fetchTruncationMarker = "\n[...truncated]"

var supportedContentTypes = []string{"text/html", "application/xhtml+xml", "text/plain"}

// skippedElements are removed wholesale before text extraction.
var skippedElements = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true,
	"header": true, "aside": true, "noscript": true, "iframe": true,
	"form": true, "button": true, "input": true, "select": true,
	"textarea": true, "head": true,
}

// Fetcher retrieves page content for selected search results.
type Fetcher struct {
	cfg     config.FetchConfig
	http    *http.Client
	invoker *resilience.Invoker
	cache   Cache
	rec     resilience.Recorder
	pacer   *rate.Limiter
	logger  *zap.Logger
}

// NewFetcher wires a page fetcher.
func NewFetcher(cfg config.FetchConfig, invoker *resilience.Invoker, cache Cache, rec resilience.Recorder, logger *zap.Logger) *Fetcher {
	rps := cfg.RequestsPerS
	if rps <= 0 {
		rps = 1
	}
	return &Fetcher{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		invoker: invoker,
		cache:   cache,
		rec:     rec,
		pacer:   rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

type cachedFetch struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Fetch fills item.Content from its URL. Any failure is soft: the item
// keeps empty content and the stage continues.
func (f *Fetcher) Fetch(ctx context.Context, stageOrdinal int, item *models.SourceItem) {
	key := "content:" + item.URL
	if cached, ok := f.cache.Get(ctx, key); ok {
		var cf cachedFetch
		if err := json.Unmarshal([]byte(cached), &cf); err == nil {
			metrics.CacheHits.WithLabelValues(string(models.KindFetch)).Inc()
			item.Content = cf.Content
			item.Fetched = true
			item.Cached = true
			f.recordCached(stageOrdinal)
			return
		}
	}
	metrics.CacheMisses.WithLabelValues(string(models.KindFetch)).Inc()

	if err := f.pacer.Wait(ctx); err != nil {
		return
	}

	var content string
	_, err := f.invoker.Do(ctx, stageOrdinal, func(ctx context.Context) (resilience.Usage, error) {
		c, err := f.call(ctx, item.URL)
		if err != nil {
			return resilience.Usage{}, err
		}
		content = c
		return resilience.Usage{OutputUnits: len(c) / 4}, nil
	})
	if err != nil {
		f.logger.Warn("Fetch failed, keeping source without content",
			zap.String("url", item.URL),
			zap.String("class", resilience.ClassOf(err)),
		)
		return
	}

	item.Content = content
	item.Fetched = true
	if data, err := json.Marshal(cachedFetch{Content: content}); err == nil {
		f.cache.Set(ctx, key, string(data))
	}
}

func (f *Fetcher) call(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &resilience.PermanentError{Err: err}
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", resilience.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	if err := resilience.ClassifyHTTP(resp.StatusCode, resp.Header.Get("Retry-After")); err != nil {
		io.Copy(io.Discard, resp.Body)
		return "", err
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !supportedType(contentType) {
		return "", &resilience.PermanentError{Err: fmt.Errorf("unsupported content type %q", contentType)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return "", &resilience.TransientError{Err: err}
	}

	if strings.Contains(contentType, "text/plain") {
		return truncateChars(string(body), f.cfg.MaxChars), nil
	}
	return ExtractText(string(body), f.cfg.MaxChars), nil
}

func supportedType(contentType string) bool {
	for _, t := range supportedContentTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// ExtractText strips an HTML document to its visible text, one line per
// text node, truncated to maxChars.
func ExtractText(htmlBody string, maxChars int) string {
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return truncateChars(htmlBody, maxChars)
	}

	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				lines = append(lines, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return truncateChars(strings.Join(lines, "\n"), maxChars)
}

func truncateChars(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + fetchTruncationMarker
}

func (f *Fetcher) recordCached(stageOrdinal int) {
	if f.rec == nil {
		return
	}
	f.rec.Record(models.Invocation{
		ID:           uuid.NewString(),
		StageOrdinal: stageOrdinal,
		Kind:         models.KindFetch,
		Cached:       true,
		Success:      true,
		Attempt:      1,
		Timestamp:    time.Now().UTC(),
	})
}
