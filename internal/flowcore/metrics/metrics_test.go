package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryTracksActiveFlows(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ActiveFlows.Set(3)
	m.FlowsAdded.Inc()
	m.FlowsAdded.Inc()

	if got := testutil.ToFloat64(m.ActiveFlows); got != 3 {
		t.Fatalf("expected active_flows=3, got %v", got)
	}
	if got := testutil.ToFloat64(m.FlowsAdded); got != 2 {
		t.Fatalf("expected flows_added_total=2, got %v", got)
	}
}
