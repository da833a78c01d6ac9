package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/pricing"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
)

// marketCodes maps common market names to ISO country codes for the
// search provider. Unknown markets search without a country filter.
var marketCodes = map[string]string{
	"sweden":         "SE",
	"germany":        "DE",
	"uk":             "GB",
	"united kingdom": "GB",
	"france":         "FR",
	"spain":          "ES",
	"italy":          "IT",
	"us":             "US",
	"usa":            "US",
	"united states":  "US",
}

// MarketCode resolves a market name to its search-provider country code.
func MarketCode(market string) string {
	m := strings.ToLower(strings.TrimSpace(market))
	if code, ok := marketCodes[m]; ok {
		return code
	}
	if len(m) == 2 {
		return strings.ToUpper(m)
	}
	return ""
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// searchCacheKey normalizes the query so trivially different phrasings
// share one cache entry.
func searchCacheKey(query, market string, count int) string {
	q := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), " ")
	return fmt.Sprintf("search:%s:%s:%d", q, MarketCode(market), count)
}

// Searcher issues web search queries through the resilience stack.
type Searcher struct {
	cfg     config.SearchConfig
	http    *http.Client
	invoker *resilience.Invoker
	cache   Cache
	rec     resilience.Recorder
	rates   *pricing.Table
	pacer   *rate.Limiter
	logger  *zap.Logger
}

// NewSearcher wires a search client.
func NewSearcher(cfg config.SearchConfig, invoker *resilience.Invoker, cache Cache, rec resilience.Recorder, rates *pricing.Table, logger *zap.Logger) *Searcher {
	rps := cfg.RequestsPerS
	if rps <= 0 {
		rps = 1
	}
	return &Searcher{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		invoker: invoker,
		cache:   cache,
		rec:     rec,
		rates:   rates,
		pacer:   rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Search returns results for one query, consulting the cache first. A hit
// bypasses the resilience stack entirely: no cost, no delay, but still a
// ledger entry so the hit rate is honest.
func (s *Searcher) Search(ctx context.Context, stageOrdinal int, query, market string) ([]*models.SourceItem, bool, error) {
	key := searchCacheKey(query, market, s.cfg.MaxResults)
	if cached, ok := s.cache.Get(ctx, key); ok {
		var items []*models.SourceItem
		if err := json.Unmarshal([]byte(cached), &items); err == nil {
			metrics.CacheHits.WithLabelValues(string(models.KindSearch)).Inc()
			s.recordCached(stageOrdinal, models.KindSearch)
			s.logger.Debug("Search cache hit", zap.String("query", query))
			return items, true, nil
		}
		s.logger.Warn("Discarding undecodable cache entry", zap.String("key", key))
	}
	metrics.CacheMisses.WithLabelValues(string(models.KindSearch)).Inc()

	if err := s.pacer.Wait(ctx); err != nil {
		return nil, false, &resilience.TransientError{Err: err}
	}

	var items []*models.SourceItem
	_, err := s.invoker.Do(ctx, stageOrdinal, func(ctx context.Context) (resilience.Usage, error) {
		results, err := s.call(ctx, query, market)
		if err != nil {
			return resilience.Usage{}, err
		}
		items = results
		return resilience.Usage{CostUSD: s.rates.SearchCost(false)}, nil
	})
	if err != nil {
		return nil, false, err
	}

	if len(items) > 0 {
		if data, err := json.Marshal(items); err == nil {
			s.cache.Set(ctx, key, string(data))
		}
	}
	s.logger.Info("Search completed",
		zap.String("query", query),
		zap.Int("results", len(items)),
	)
	return items, false, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

func (s *Searcher) call(ctx context.Context, query, market string) ([]*models.SourceItem, error) {
	count := s.cfg.MaxResults
	if count > 20 {
		count = 20 // provider maximum
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(count))
	params.Set("search_lang", "en")
	params.Set("text_decorations", "false")
	if code := MarketCode(market); code != "" {
		params.Set("country", code)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &resilience.PermanentError{Err: err}
	}
	req.Header.Set("X-Subscription-Token", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, resilience.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	if err := resilience.ClassifyHTTP(resp.StatusCode, resp.Header.Get("Retry-After")); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &resilience.TransientError{Err: fmt.Errorf("decode search response: %w", err)}
	}

	items := make([]*models.SourceItem, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		items = append(items, &models.SourceItem{
			Query:     query,
			URL:       r.URL,
			Title:     r.Title,
			Snippet:   r.Description,
			Source:    hostOf(r.URL),
			Published: r.PageAge,
		})
	}
	return items, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func (s *Searcher) recordCached(stageOrdinal int, kind models.InvocationKind) {
	if s.rec == nil {
		return
	}
	s.rec.Record(models.Invocation{
		ID:           uuid.NewString(),
		StageOrdinal: stageOrdinal,
		Kind:         kind,
		Cached:       true,
		Success:      true,
		Attempt:      1,
		Timestamp:    time.Now().UTC(),
	})
}
