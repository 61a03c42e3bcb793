package shipping

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "shipping"

var (
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "provider_calls_total",
			Help:      "Count of calls made to shipping providers by operation and outcome.",
		},
		[]string{"provider", "operation", "outcome"},
	)
	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of shipping provider calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"provider", "operation"},
	)
	shipmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "shipments_created_total",
			Help:      "Count of shipments created.",
		},
		[]string{"provider"},
	)
	statusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "status_changes_total",
			Help:      "Count of shipment status changes applied from tracking updates.",
		},
		[]string{"provider", "status"},
	)
	syncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "tracking_sync_failures_total",
			Help:      "Count of shipments whose tracking refresh failed during a sync run.",
		},
	)
)

var registerMetrics sync.Once

// RegisterMetrics registers the shipping collectors with reg once.
func RegisterMetrics(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(providerCalls, providerLatency, shipmentsCreated, statusChanges, syncFailures)
	})
}

func observeCall(provider, op string, start time.Time, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = "error"
	}
	providerCalls.WithLabelValues(provider, op, outcome).Inc()
	providerLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}
