// Package metrics exposes prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EngineRuns counts engine subprocess spawns by final status.
	EngineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pytx",
		Name:      "engine_runs_total",
		Help:      "Engine subprocess invocations by final status.",
	}, []string{"status"})

	// CacheHits counts result cache hits (exact and subset).
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pytx",
		Name:      "result_cache_hits_total",
		Help:      "Result cache lookups served from cache.",
	})

	// CacheMisses counts result cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pytx",
		Name:      "result_cache_misses_total",
		Help:      "Result cache lookups that required a fresh run.",
	})

	// SingleFlightAttaches counts requests coalesced onto an in-flight
	// execution instead of spawning a duplicate subprocess.
	SingleFlightAttaches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pytx",
		Name:      "singleflight_attaches_total",
		Help:      "Execution requests attached to an in-flight run.",
	})

	// RunDuration observes wall-clock engine run durations.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pytx",
		Name:      "engine_run_duration_seconds",
		Help:      "Wall-clock duration of engine runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
