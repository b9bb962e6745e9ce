// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the datachat gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// SandboxBuckets defines histogram buckets for sandbox operations,
// ranging from 10ms (cached command) to 60s (heavy analysis run).
var SandboxBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// ModelRequestsTotal counts calls to the language-model backend.
	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_requests_total",
			Help: "Model backend requests",
		},
		[]string{"purpose", "model", "status"},
	)

	// ModelLatency records language-model call latency in seconds.
	ModelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_model_latency_seconds",
			Help:    "Model backend latency",
			Buckets: LLMBuckets,
		},
		[]string{"purpose", "model"},
	)

	// ModelTokensTotal counts tokens processed by direction (input/output).
	ModelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_tokens_total",
			Help: "Token count",
		},
		[]string{"purpose", "model", "direction"},
	)

	// SandboxExecutionsTotal counts sandbox executions by payload kind and status.
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_sandbox_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"payload", "status"},
	)

	// SandboxExecutionDuration records sandbox execution duration in seconds.
	SandboxExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_sandbox_execution_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: SandboxBuckets,
		},
		[]string{"payload"},
	)

	// ClassificationsTotal counts query classifications by resulting kind
	// and whether the fallback policy decided the outcome.
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_classifications_total",
			Help: "Query classifications",
		},
		[]string{"kind", "fallback"},
	)

	// CodeExtractionsTotal counts code extractions by winning strategy.
	CodeExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_code_extractions_total",
			Help: "Code block extractions by strategy",
		},
		[]string{"method", "status"},
	)

	// DocumentExtractionsTotal counts PDF text extractions by extractor and outcome.
	DocumentExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_document_extractions_total",
			Help: "Document text extractions",
		},
		[]string{"extractor", "status"},
	)

	// ActiveSandboxes tracks the number of live sandboxes across sessions.
	ActiveSandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datachat_sandboxes_active",
			Help: "Live sandboxes",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ModelRequestsTotal,
		ModelLatency,
		ModelTokensTotal,
		SandboxExecutionsTotal,
		SandboxExecutionDuration,
		ClassificationsTotal,
		CodeExtractionsTotal,
		DocumentExtractionsTotal,
		ActiveSandboxes,
		RateLimitRejectedTotal,
	)
}
