package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Invocation metrics
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_invocations_total",
			Help: "Total outbound invocation attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journeybuilder_invocation_duration_ms",
			Help:    "Outbound invocation duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"kind"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_retries_total",
			Help: "Retry attempts by kind and error class",
		},
		[]string{"kind", "class"},
	)

	RateLimiterDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "journeybuilder_rate_limiter_delay_seconds",
			Help: "Current adaptive rate limiter delay per invocation kind",
		},
		[]string{"kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "journeybuilder_circuit_breaker_state",
			Help: "Circuit breaker state per kind (0=closed, 1=half-open, 2=open)",
		},
		[]string{"kind"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_cache_hits_total",
			Help: "Cache hits by invocation kind",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_cache_misses_total",
			Help: "Cache misses by invocation kind",
		},
		[]string{"kind"},
	)

	// Stage metrics
	StagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_stages_completed_total",
			Help: "Stages reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journeybuilder_stage_duration_seconds",
			Help:    "Stage wall-clock duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	SynthesisRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journeybuilder_synthesis_gap_retries_total",
			Help: "Re-synthesis attempts triggered by validation gaps",
		},
	)

	// Budget metrics
	TokensAllocated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journeybuilder_tokens_allocated",
			Help:    "Content tokens allocated per synthesis call",
			Buckets: []float64{1000, 5000, 20000, 50000, 100000, 160000},
		},
	)

	SourcesSelected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journeybuilder_sources_selected",
			Help:    "Sources selected per synthesis call after allocation",
			Buckets: []float64{0, 1, 3, 5, 10, 15},
		},
	)

	// Cost metrics
	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeybuilder_cost_usd_total",
			Help: "Accumulated cost in USD by invocation kind",
		},
		[]string{"kind"},
	)

	CheckpointsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journeybuilder_checkpoints_saved_total",
			Help: "Checkpoint saves completed",
		},
	)
)
