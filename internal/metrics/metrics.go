// Package metrics holds the Prometheus collectors for the reply pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so packages can be exercised in tests without a registry.
type Metrics struct {
	RelayRequests *prometheus.CounterVec
	Candidates    *prometheus.CounterVec
	Batches       *prometheus.CounterVec
	Attached      prometheus.Gauge
	Locks         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Passing nil uses a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoverreply",
			Name:      "relay_requests_total",
			Help:      "Relay requests by action and outcome.",
		}, []string{"action", "outcome"}),
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoverreply",
			Name:      "reply_candidates_total",
			Help:      "Reply candidates by outcome (accepted, duplicate, relay_failed, or a filter reason).",
		}, []string{"outcome"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoverreply",
			Name:      "reply_batches_total",
			Help:      "Reply batches by source (generated, fallback) and whether they were shown.",
		}, []string{"source", "shown"}),
		Attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hoverreply",
			Name:      "attached_elements",
			Help:      "Message elements currently carrying hover affordances.",
		}),
		Locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoverreply",
			Name:      "lock_transitions_total",
			Help:      "Lock controller transitions by kind.",
		}, []string{"kind"}),
		gatherer: reg,
	}
	reg.MustRegister(m.RelayRequests, m.Candidates, m.Batches, m.Attached, m.Locks)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Relay(action, outcome string) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) Candidate(outcome string) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Batch(source string, shown bool) {
	if m == nil {
		return
	}
	s := "false"
	if shown {
		s = "true"
	}
	m.Batches.WithLabelValues(source, s).Inc()
}

func (m *Metrics) SetAttached(n int) {
	if m == nil {
		return
	}
	m.Attached.Set(float64(n))
}

func (m *Metrics) Lock(kind string) {
	if m == nil {
		return
	}
	m.Locks.WithLabelValues(kind).Inc()
}
