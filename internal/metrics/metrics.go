package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and histograms, partitioned by lookup kind or source.

var (
	// Cache
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by kind and result (hit, stale, miss)",
	}, []string{"kind", "result"})

	// Batch fetcher
	BatchChunkRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "batch",
		Name:      "chunk_requests_total",
		Help:      "Chunk requests issued to a backend",
	}, []string{"kind"})

	BatchChunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "batch",
		Name:      "chunk_failures_total",
		Help:      "Chunk requests that fell back to default values",
	}, []string{"kind"})

	BatchBlacklisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "batch",
		Name:      "blacklisted_total",
		Help:      "Keys short-circuited by the token blacklist",
	}, []string{"kind"})

	// Chain
	ChainReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "chain",
		Name:      "read_errors_total",
		Help:      "Individual eth_call failures",
	}, []string{"method"})

	// Indexer
	IndexerSourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "indexer",
		Name:      "source_failures_total",
		Help:      "Failed indexer queries per source",
	}, []string{"source"})

	// Refresh
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stakes",
		Subsystem: "refresh",
		Name:      "duration_seconds",
		Help:      "Refresh duration by scope",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"scope"})

	RefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakes",
		Subsystem: "refresh",
		Name:      "errors_total",
		Help:      "Refreshes that surfaced an error to the caller",
	}, []string{"scope"})

	ActiveTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stakes",
		Subsystem: "refresh",
		Name:      "active_tokens",
		Help:      "Tokens currently registered as active across sessions",
	})
)
