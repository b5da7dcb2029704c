package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "azera_dispatch_sweeps_total",
			Help: "Total number of dispatcher sweeps executed.",
		},
	)

	SweepsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "azera_dispatch_sweeps_skipped_total",
			Help: "Run-now requests merged into an already running sweep.",
		},
	)

	FanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azera_dispatch_fanout_deliveries_total",
			Help: "Delivery rows created by fan-out.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azera_dispatch_deliveries_total",
			Help: "Delivery attempts by outcome status.",
		},
		[]string{"status", "tenant_id"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azera_dispatch_retries_total",
			Help: "Delivery retries scheduled, by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, timeout, network
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azera_dispatch_dead_letters_total",
			Help: "Deliveries dead-lettered after exhausting attempts.",
		},
		[]string{"reason"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azera_dispatch_delivery_latency_seconds",
			Help:    "Receiver HTTP latency per delivery attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code"},
	)

	DueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "azera_dispatch_due_deliveries",
			Help: "Pending deliveries currently due for an attempt.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(SweepsTotal, SweepsSkippedTotal, FanoutTotal,
		DeliveriesTotal, RetriesTotal, DeadLettersTotal, DeliveryLatency, DueBacklog)
}

// RecordSweep counts one completed sweep.
func RecordSweep() {
	SweepsTotal.Inc()
}

// RecordSweepSkipped counts a run-now merged into an in-progress sweep.
func RecordSweepSkipped() {
	SweepsSkippedTotal.Inc()
}

// RecordFanout counts delivery rows created for a tenant.
func RecordFanout(tenantID string, created int) {
	FanoutTotal.WithLabelValues(tenantID).Add(float64(created))
}

// RecordDelivery counts one attempt outcome and its latency.
func RecordDelivery(status, tenantID, code string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, tenantID).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(code).Observe(latency.Seconds())
	}
}

// RecordRetry counts a scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter counts a dead-lettered delivery by final reason.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// UpdateDueBacklog sets the due-backlog gauge.
func UpdateDueBacklog(n int) {
	DueBacklog.Set(float64(n))
}
