package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	runtimeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attachctl",
			Subsystem: "runtime",
			Name:      "operations_total",
			Help:      "Runtime interface operations by completion status.",
		},
		[]string{"op", "status"},
	)
	runtimeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "attachctl",
			Subsystem: "runtime",
			Name:      "operation_duration_seconds",
			Help:      "Submit-to-completion latency of runtime interface operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	forwardedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attachctl",
			Subsystem: "iof",
			Name:      "forwarded_bytes_total",
			Help:      "Bytes of daemon output captured per channel.",
		},
		[]string{"channel"},
	)
	runtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attachctl",
			Subsystem: "events",
			Name:      "notifications_total",
			Help:      "Runtime event notifications by event code.",
		},
		[]string{"code"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attachctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "attachctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(runtimeOps, runtimeOpDuration, forwardedBytes,
			runtimeEvents, httpRequests, httpDuration)
	})
}

func RecordRuntimeOp(op, status string, duration time.Duration) {
	runtimeOps.WithLabelValues(op, status).Inc()
	runtimeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordForwardedBytes(channel string, n int) {
	forwardedBytes.WithLabelValues(channel).Add(float64(n))
}

func RecordRuntimeEvent(code string) {
	runtimeEvents.WithLabelValues(code).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, code).Inc()
	httpDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}
