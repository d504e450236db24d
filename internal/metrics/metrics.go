package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_total",
			Help: "Total number of research runs",
		},
		[]string{"task_type", "status"}, // status: completed, failed
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Research run latency in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"task_type"},
	)

	ResearchLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_loops_per_run",
			Help:    "Number of reflection loops executed per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// Sub-query metrics
	SubQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_subqueries_total",
			Help: "Total number of dispatched sub-queries",
		},
		[]string{"kind", "outcome"}, // outcome: ok, failed
	)

	// Completion metrics
	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_completion_requests_total",
			Help: "Total number of completion requests",
		},
		[]string{"backend", "model", "status"}, // status: success, transport_error, error
	)

	CompletionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_completion_latency_seconds",
			Help:    "Completion request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend", "model"},
	)

	CompletionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_completion_retries_total",
			Help: "Total number of retried completion requests",
		},
		[]string{"backend"},
	)

	// Search cache metrics
	SearchCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_cache_lookups_total",
			Help: "Search cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)
)
