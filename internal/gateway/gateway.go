package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
)

// Gateway runs a stage's full acquisition step: every query is searched
// and its top results fetched, with bounded concurrency across queries.
type Gateway struct {
	searcher    *Searcher
	fetcher     *Fetcher
	topToFetch  int
	concurrency int
	logger      *zap.Logger
}

// New assembles the gateway.
func New(searcher *Searcher, fetcher *Fetcher, topToFetch, concurrency int, logger *zap.Logger) *Gateway {
	if concurrency < 1 {
		concurrency = 1
	}
	if topToFetch < 0 {
		topToFetch = 0
	}
	return &Gateway{
		searcher:    searcher,
		fetcher:     fetcher,
		topToFetch:  topToFetch,
		concurrency: concurrency,
		logger:      logger,
	}
}

type queryResult struct {
	index int
	items []*models.SourceItem
	log   models.SearchLogEntry
}

// Acquire settles every query before returning: each worker reports back
// through the results channel and the caller joins on all of them, so no
// acquisition work outlives this call. Failed queries contribute zero
// sources rather than aborting the stage.
func (g *Gateway) Acquire(ctx context.Context, stageOrdinal int, queries []string, market string) ([]*models.SourceItem, []models.SearchLogEntry) {
	if len(queries) == 0 {
		return nil, nil
	}

	results := make(chan queryResult, len(queries))
	sem := make(chan struct{}, g.concurrency)
	var wg sync.WaitGroup

	for i, query := range queries {
		wg.Add(1)
		go func(index int, query string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- g.acquireOne(ctx, stageOrdinal, index, query, market)
		}(i, query)
	}
	wg.Wait()
	close(results)

	ordered := make([]queryResult, len(queries))
	for r := range results {
		ordered[r.index] = r
	}

	var items []*models.SourceItem
	var searchLog []models.SearchLogEntry
	for _, r := range ordered {
		items = append(items, r.items...)
		searchLog = append(searchLog, r.log)
	}

	g.logger.Info("Acquisition settled",
		zap.Int("stage", stageOrdinal),
		zap.Int("queries", len(queries)),
		zap.Int("sources", len(items)),
	)
	return items, searchLog
}

func (g *Gateway) acquireOne(ctx context.Context, stageOrdinal, index int, query, market string) queryResult {
	entry := models.SearchLogEntry{Query: query}

	items, cached, err := g.searcher.Search(ctx, stageOrdinal, query, market)
	if err != nil {
		g.logger.Warn("Search failed, continuing without its results",
			zap.String("query", query),
			zap.String("class", resilience.ClassOf(err)),
		)
		return queryResult{index: index, log: entry}
	}
	entry.Cached = cached
	entry.ResultCount = len(items)
	if len(items) > 0 {
		entry.SourceFound = items[0].Source
	}

	for i, item := range items {
		if i >= g.topToFetch {
			break
		}
		g.fetcher.Fetch(ctx, stageOrdinal, item)
	}
	return queryResult{index: index, items: items, log: entry}
}
