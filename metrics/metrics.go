// Package metrics exposes prometheus collectors for the tunnel. All methods are safe to call on a
// nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry     *prometheus.Registry
	commands     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	streams      prometheus.Gauge
	sendFailures prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_commands_total",
			Help: "Commands exchanged over the channel.",
		}, []string{"direction", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_commands_dropped_total",
			Help: "Inbound commands that were discarded.",
		}, []string{"reason"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_stream_bytes_total",
			Help: "Stream payload bytes moved through the tunnel.",
		}, []string{"direction"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_streams_active",
			Help: "Streams currently registered.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_transport_send_failures_total",
			Help: "Messages that could not be sent after all retries.",
		}),
	}
	m.registry.MustRegister(m.commands, m.dropped, m.bytes, m.streams, m.sendFailures)
	return m
}

// Handler serves the collectors in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CommandSent counts an outbound command.
func (m *Metrics) CommandSent(kind string) {
	if m != nil {
		m.commands.WithLabelValues("out", kind).Inc()
	}
}

// CommandReceived counts an inbound command.
func (m *Metrics) CommandReceived(kind string) {
	if m != nil {
		m.commands.WithLabelValues("in", kind).Inc()
	}
}

// Dropped counts a discarded inbound command.
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// BytesOut counts payload bytes read from local sockets.
func (m *Metrics) BytesOut(n int) {
	if m != nil {
		m.bytes.WithLabelValues("out").Add(float64(n))
	}
}

// BytesIn counts payload bytes written to local sockets.
func (m *Metrics) BytesIn(n int) {
	if m != nil {
		m.bytes.WithLabelValues("in").Add(float64(n))
	}
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streams.Inc()
	}
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	if m != nil {
		m.streams.Dec()
	}
}

// SendFailed counts a message that exhausted its retries.
func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
