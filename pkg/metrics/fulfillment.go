package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics records outcomes of payment notification processing.
type FulfillmentMetrics struct {
	fulfilled  *prometheus.CounterVec
	shortfalls *prometheus.CounterVec
	duplicates prometheus.Counter
	rejected   *prometheus.CounterVec
}

// NewFulfillmentMetrics registers the fulfillment metrics on the provided
// registerer. A nil registerer yields a no-op recorder.
func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	fulfilled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_orders_paid_total",
		Help: "Orders marked paid, by card mode.",
	}, []string{"mode"})
	shortfalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_shortfalls_total",
		Help: "Allocations that obtained fewer cards than paid for.",
	}, []string{"reason"})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_duplicate_notifications_total",
		Help: "Notifications absorbed by the idempotency check.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_rejected_notifications_total",
		Help: "Notifications acknowledged without processing.",
	}, []string{"reason"})
	reg.MustRegister(fulfilled, shortfalls, duplicates, rejected)
	return &FulfillmentMetrics{
		fulfilled:  fulfilled,
		shortfalls: shortfalls,
		duplicates: duplicates,
		rejected:   rejected,
	}
}

// IncPaid counts a successful paid transition for the given card mode.
func (m *FulfillmentMetrics) IncPaid(mode string) {
	if m == nil || m.fulfilled == nil {
		return
	}
	m.fulfilled.WithLabelValues(normalizeLabel(mode)).Inc()
}

// IncShortfall counts a short allocation with the given reason.
func (m *FulfillmentMetrics) IncShortfall(reason string) {
	if m == nil || m.shortfalls == nil {
		return
	}
	m.shortfalls.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncDuplicate counts a redelivered notification.
func (m *FulfillmentMetrics) IncDuplicate() {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Inc()
}

// IncRejected counts a notification acknowledged without allocation.
func (m *FulfillmentMetrics) IncRejected(reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

// SweepJobMetrics records metadata for the reservation sweeper.
type SweepJobMetrics struct {
	duration prometheus.Histogram
	released prometheus.Counter
	failure  prometheus.Counter
}

// NewSweepJobMetrics registers the sweeper metrics on the provided registerer.
func NewSweepJobMetrics(reg prometheus.Registerer) *SweepJobMetrics {
	if reg == nil {
		return &SweepJobMetrics{}
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of reservation sweep passes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	released := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_cards_released_total",
		Help: "Stale reserved cards returned to the pool.",
	})
	failure := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_failures_total",
		Help: "Failed sweep passes.",
	})
	reg.MustRegister(duration, released, failure)
	return &SweepJobMetrics{duration: duration, released: released, failure: failure}
}

// ObserveDuration records the duration of one sweep pass.
func (s *SweepJobMetrics) ObserveDuration(d time.Duration) {
	if s == nil || s.duration == nil {
		return
	}
	s.duration.Observe(d.Seconds())
}

// AddReleased counts cards released by a sweep pass.
func (s *SweepJobMetrics) AddReleased(n int) {
	if s == nil || s.released == nil || n <= 0 {
		return
	}
	s.released.Add(float64(n))
}

// IncFailure counts a failed sweep pass.
func (s *SweepJobMetrics) IncFailure() {
	if s == nil || s.failure == nil {
		return
	}
	s.failure.Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
