// Package metrics exposes Prometheus counters for the unicast transport
// manager: transport lifecycle and incoming-link admission.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "utmd"
	subsystem = "unicast"
)

// Label names for transport metrics.
const (
	labelRole   = "role"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Transport Metrics
// -------------------------------------------------------------------------

// Collector holds all unicast transport Prometheus metrics and implements
// transport.MetricsReporter.
type Collector struct {
	// TransportsEstablished counts transports that reached the established
	// state, labeled by negotiated role.
	TransportsEstablished *prometheus.CounterVec

	// TransportsClosed counts transports torn down, labeled by role.
	TransportsClosed *prometheus.CounterVec

	// LinksAdmitted counts incoming links that passed the admission chain.
	LinksAdmitted prometheus.Counter

	// LinksRejected counts incoming links rejected during admission,
	// labeled by rejection reason (link_auth, ambiguous_peer_id, pending_limit).
	LinksRejected *prometheus.CounterVec
}

// NewCollector creates a Collector with all transport metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "utmd_unicast_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.TransportsEstablished,
		c.TransportsClosed,
		c.LinksAdmitted,
		c.LinksRejected,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	roleLabels := []string{labelRole}
	reasonLabels := []string{labelReason}

	return &Collector{
		TransportsEstablished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transports_established_total",
			Help:      "Total unicast transports that reached the established state.",
		}, roleLabels),

		TransportsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transports_closed_total",
			Help:      "Total unicast transports torn down.",
		}, roleLabels),

		LinksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "links_admitted_total",
			Help:      "Total incoming links that passed the admission chain.",
		}),

		LinksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "links_rejected_total",
			Help:      "Total incoming links rejected during admission, by reason.",
		}, reasonLabels),
	}
}

// -------------------------------------------------------------------------
// transport.MetricsReporter
// -------------------------------------------------------------------------

// TransportEstablished implements transport.MetricsReporter.
func (c *Collector) TransportEstablished(role string) {
	c.TransportsEstablished.WithLabelValues(role).Inc()
}

// TransportClosed implements transport.MetricsReporter.
func (c *Collector) TransportClosed(role string) {
	c.TransportsClosed.WithLabelValues(role).Inc()
}

// LinkAdmitted implements transport.MetricsReporter.
func (c *Collector) LinkAdmitted() {
	c.LinksAdmitted.Inc()
}

// LinkRejected implements transport.MetricsReporter.
func (c *Collector) LinkRejected(reason string) {
	c.LinksRejected.WithLabelValues(reason).Inc()
}
