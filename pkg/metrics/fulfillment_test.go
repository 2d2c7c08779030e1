package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestFulfillmentMetricsCount(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewFulfillmentMetrics(reg)

	m.IncPaid("exclusive")
	m.IncPaid("exclusive")
	m.IncShortfall("empty")
	m.IncDuplicate()
	m.IncRejected("bad_token")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	paid := byName["fulfillment_orders_paid_total"]
	if paid == nil || paid.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected paid counter: %v", paid)
	}
	short := byName["fulfillment_shortfalls_total"]
	if short == nil || short.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("unexpected shortfall counter: %v", short)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	t.Parallel()

	m := NewFulfillmentMetrics(nil)
	m.IncPaid("shared")
	m.IncDuplicate()

	s := NewSweepJobMetrics(nil)
	s.ObserveDuration(time.Second)
	s.AddReleased(3)
	s.IncFailure()
}

func TestSweepJobMetricsReleased(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := NewSweepJobMetrics(reg)
	s.AddReleased(4)
	s.AddReleased(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "sweep_cards_released_total" {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 4 {
				t.Fatalf("unexpected released count: %v", got)
			}
			return
		}
	}
	t.Fatal("sweep_cards_released_total not gathered")
}
