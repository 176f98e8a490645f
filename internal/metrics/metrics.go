package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts API requests by route template and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omninoc_http_requests_total",
		Help: "Total HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks request latency. Streaming turns land in the upper buckets.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omninoc_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"method", "route"})

	// Turns counts finished chat turns by transport and outcome
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omninoc_assistant_turns_total",
		Help: "Chat turns by transport and outcome",
	}, []string{"transport", "outcome"})

	// TurnDuration tracks wall time from accepted request to persisted answer
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omninoc_assistant_turn_duration_seconds",
		Help:    "Chat turn duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	}, []string{"transport"})

	// LogFetches counts log window queries by result
	LogFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omninoc_log_window_fetches_total",
		Help: "Log window queries by result",
	}, []string{"result"})

	// BackendCalls counts AI backend calls by provider, call type and result
	BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omninoc_llm_calls_total",
		Help: "AI backend calls by provider, call type and result",
	}, []string{"provider", "call_type", "result"})

	// BackendLatency tracks AI backend call duration
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omninoc_llm_call_duration_seconds",
		Help:    "AI backend call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "call_type"})

	// RateLimited counts turns rejected by the per-scope limiter
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omninoc_assistant_rate_limited_total",
		Help: "Chat turns rejected by the per-scope rate limiter",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
