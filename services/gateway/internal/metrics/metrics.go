// Package metrics holds the gateway's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the counters.
const (
	OutcomeOK         = "ok"
	OutcomeInvalid    = "invalid"
	OutcomeUnauth     = "unauthenticated"
	OutcomeForbidden  = "forbidden"
	OutcomeDuplicate  = "in_flight"
	OutcomeStoreError = "store_error"
	OutcomeFallback   = "fallback"
	OutcomeError      = "error"
)

// Metrics is a set of counters bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	BookingsSubmitted *prometheus.CounterVec
	BookingsDeleted   *prometheus.CounterVec
	StatusChanges     *prometheus.CounterVec
	ViewRefetches     *prometheus.CounterVec
	ChatReplies       *prometheus.CounterVec
	SessionEvents     *prometheus.CounterVec
}

// New registers the gateway counters on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BookingsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "bookings",
			Name:      "submitted_total",
			Help:      "Booking submissions by outcome.",
		}, []string{"outcome"}),
		BookingsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "bookings",
			Name:      "deleted_total",
			Help:      "Booking deletions by outcome.",
		}, []string{"outcome"}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "bookings",
			Name:      "status_changes_total",
			Help:      "Operator status changes by target status.",
		}, []string{"status"}),
		ViewRefetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "bookings",
			Name:      "view_refetches_total",
			Help:      "Live view re-fetches by outcome.",
		}, []string{"outcome"}),
		ChatReplies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "chat",
			Name:      "replies_total",
			Help:      "Diagnostic chat replies by outcome.",
		}, []string{"outcome"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickfix",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session transitions seen by the gateway.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Inc bumps vec for label. A nil Metrics or vec is a no-op.
func (m *Metrics) Inc(vec *prometheus.CounterVec, label string) {
	if m == nil || vec == nil {
		return
	}
	vec.WithLabelValues(label).Inc()
}

// BookingSubmitted records one submission outcome.
func (m *Metrics) BookingSubmitted(outcome string) {
	if m != nil {
		m.Inc(m.BookingsSubmitted, outcome)
	}
}

// BookingDeleted records one deletion outcome.
func (m *Metrics) BookingDeleted(outcome string) {
	if m != nil {
		m.Inc(m.BookingsDeleted, outcome)
	}
}

// StatusChanged records an operator status change.
func (m *Metrics) StatusChanged(status string) {
	if m != nil {
		m.Inc(m.StatusChanges, status)
	}
}

// ViewRefetched records one live-view re-fetch.
func (m *Metrics) ViewRefetched(outcome string) {
	if m != nil {
		m.Inc(m.ViewRefetches, outcome)
	}
}

// ChatReplied records one chat exchange.
func (m *Metrics) ChatReplied(outcome string) {
	if m != nil {
		m.Inc(m.ChatReplies, outcome)
	}
}

// SessionEvent records one session transition.
func (m *Metrics) SessionEvent(kind string) {
	if m != nil {
		m.Inc(m.SessionEvents, kind)
	}
}
