package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowGatewayMetrics bundles collectors tracking escrow workflow activity.
type EscrowGatewayMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowGatewayMetrics
)

// EscrowGateway returns the lazily-initialised metrics registry for the
// escrow gateway HTTP surface.
func EscrowGateway() *EscrowGatewayMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowGatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "booklink",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Total escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "booklink",
				Subsystem: "escrow",
				Name:      "errors_total",
				Help:      "Total escrow operation errors segmented by operation and status code.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "booklink",
				Subsystem: "escrow",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for escrow operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			escrowRegistry.requests,
			escrowRegistry.errors,
			escrowRegistry.latency,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of an escrow operation. The status code should
// be the HTTP status ultimately written to the response writer.
func (m *EscrowGatewayMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(op, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}
