// Package metrics provides Prometheus instrumentation for ralph.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics for the status server.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_http_requests_total",
		Help: "Total number of status server HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ralph_http_request_duration_seconds",
		Help:    "Status server HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Loop metrics.
var (
	IterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ralph_iterations_total",
		Help: "Total number of claude processes spawned.",
	})

	ProcessExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_process_exits_total",
		Help: "Total number of reaped claude processes by outcome.",
	}, []string{"outcome"})

	ProcessRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ralph_process_running",
		Help: "1 while a claude process is alive, 0 otherwise.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ralph_run_duration_seconds",
		Help:    "Wall-clock duration of one claude process in seconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	})
)

// Stream metrics.
var (
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_decode_errors_total",
		Help: "Total number of NDJSON lines skipped by kind.",
	}, []string{"kind"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_tool_calls_total",
		Help: "Total number of completed tool invocations by tool name.",
	}, []string{"tool"})

	CostUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ralph_cost_usd_total",
		Help: "Accumulated cost reported by result events, in US dollars.",
	})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_tokens_total",
		Help: "Accumulated tokens reported by result events.",
	}, []string{"direction"})
)
