package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RunTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lodestone_run_tokens_used",
			Help:    "Number of reasoning-service tokens used per run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_state_transitions_total",
			Help: "Total number of workflow state transitions",
		},
		[]string{"from", "to"},
	)

	DegradedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_runs_degraded_total",
			Help: "Total number of runs completed with loop bounds exhausted",
		},
	)

	// Reasoning gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_gateway_requests_total",
			Help: "Total number of reasoning-service requests",
		},
		[]string{"model", "status"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_gateway_latency_seconds",
			Help:    "Reasoning-service request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	GatewayRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_gateway_retries_total",
			Help: "Total number of retried reasoning-service calls",
		},
	)

	// Retrieval metrics
	RetrievalSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_retrieval_searches_total",
			Help: "Total number of corpus searches",
		},
		[]string{"kind", "status"},
	)

	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_retrieval_latency_seconds",
			Help:    "Corpus search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SemanticDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodestone_retrieval_semantic_disabled",
			Help: "1 when the engine degraded to lexical-only search",
		},
	)

	// Tool metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_tool_invocations_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	ToolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_tool_latency_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Execution context metrics
	ContextTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_context_truncations_total",
			Help: "Total number of execution-context truncation passes",
		},
	)

	ContextStepsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_context_steps_evicted_total",
			Help: "Total number of execution steps evicted under token pressure",
		},
	)

	// Index cache metrics
	IndexCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_index_cache_hits_total",
			Help: "Total number of embedding-index cache hits",
		},
	)

	IndexCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_index_cache_misses_total",
			Help: "Total number of embedding-index cache misses",
		},
	)
)

// RecordRunMetrics records metrics for a completed research run.
func RecordRunMetrics(mode, status string, durationSeconds float64, tokensUsed int) {
	RunsCompleted.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	if tokensUsed > 0 {
		RunTokensUsed.Observe(float64(tokensUsed))
	}
}

// RecordGatewayMetrics records metrics for a reasoning-service call.
func RecordGatewayMetrics(model, status string, durationSeconds float64) {
	GatewayRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		GatewayLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordSearchMetrics records metrics for a corpus search.
func RecordSearchMetrics(kind, status string, durationSeconds float64) {
	RetrievalSearches.WithLabelValues(kind, status).Inc()
	if durationSeconds > 0 {
		RetrievalLatency.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RecordToolMetrics records metrics for a tool invocation.
func RecordToolMetrics(tool, status string, durationSeconds float64) {
	ToolInvocations.WithLabelValues(tool, status).Inc()
	if durationSeconds > 0 {
		ToolLatency.WithLabelValues(tool).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
