package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lattice-mesh/utmd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.TransportsEstablished == nil {
		t.Error("TransportsEstablished is nil")
	}
	if c.TransportsClosed == nil {
		t.Error("TransportsClosed is nil")
	}
	if c.LinksAdmitted == nil {
		t.Error("LinksAdmitted is nil")
	}
	if c.LinksRejected == nil {
		t.Error("LinksRejected is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestTransportEstablishedAndClosed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.TransportEstablished("router")
	c.TransportEstablished("router")
	c.TransportEstablished("peer")

	if val := counterValue(t, c.TransportsEstablished, "router"); val != 2 {
		t.Errorf("TransportsEstablished(router) = %v, want 2", val)
	}
	if val := counterValue(t, c.TransportsEstablished, "peer"); val != 1 {
		t.Errorf("TransportsEstablished(peer) = %v, want 1", val)
	}

	c.TransportClosed("router")

	if val := counterValue(t, c.TransportsClosed, "router"); val != 1 {
		t.Errorf("TransportsClosed(router) = %v, want 1", val)
	}
}

func TestLinkAdmittedAndRejected(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.LinkAdmitted()
	c.LinkAdmitted()
	c.LinkRejected("auth")
	c.LinkRejected("timeout")
	c.LinkRejected("auth")

	m := &dto.Metric{}
	if err := c.LinksAdmitted.Write(m); err != nil {
		t.Fatalf("write LinksAdmitted: %v", err)
	}
	if m.GetCounter().GetValue() != 2 {
		t.Errorf("LinksAdmitted = %v, want 2", m.GetCounter().GetValue())
	}

	if val := counterValue(t, c.LinksRejected, "auth"); val != 2 {
		t.Errorf("LinksRejected(auth) = %v, want 2", val)
	}
	if val := counterValue(t, c.LinksRejected, "timeout"); val != 1 {
		t.Errorf("LinksRejected(timeout) = %v, want 1", val)
	}
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
