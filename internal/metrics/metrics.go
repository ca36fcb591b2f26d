// Package metrics exposes Prometheus collectors for the live-connection layer and
// the HTTP API.
//
// All methods are nil-safe so components can be built without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mobichat"

// Metrics groups the server collectors.
type Metrics struct {
	Connections       prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	MessagesPersisted prometheus.Counter
	EventsEmitted     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	Evictions         prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
	HTTPInflight prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open live connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a registered live connection.",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events queued for delivery, by event name.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the target was gone or its queue was full.",
		}, []string{"event"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_evictions_total",
			Help:      "Connections superseded by a newer connection of the same user.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.OnlineUsers, m.MessagesPersisted,
			m.EventsEmitted, m.EventsDropped, m.Evictions,
			m.HTTPRequests, m.HTTPLatency, m.HTTPInflight,
		)
	}
	return m
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// SetOnline records the current size of the presence registry.
func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) MessagePersisted() {
	if m != nil {
		m.MessagesPersisted.Inc()
	}
}

func (m *Metrics) Emitted(event string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Dropped(event string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}
