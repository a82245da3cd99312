package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	rejected          prometheus.Counter
	closes            *prometheus.CounterVec
	inbound           *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	evictions         prometheus.Counter
	errors            *prometheus.CounterVec
	latency           *prometheus.HistogramVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Current number of registered client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of connections accepted since start.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Connections refused because the table was full.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connection_closes_total",
			Help: "Connection closes grouped by reason.",
		}, []string{"reason"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_inbound_envelopes_total",
			Help: "Envelopes read from clients grouped by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Routing outcomes grouped by tier.",
		}, []string{"tier"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbound_evictions_total",
			Help: "Outbound frames dropped because a send queue was full.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Error envelopes sent to clients grouped by code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_handle_latency_seconds",
			Help:    "Latency for handling inbound envelopes.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.rejected,
		m.closes,
		m.inbound,
		m.deliveries,
		m.evictions,
		m.errors,
		m.latency,
	)
	return m
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *relayMetrics) recordClose(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.closes.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordInbound(typ string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ).Inc()
}

func (m *relayMetrics) recordDelivery(tier Tier) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(tier)).Inc()
}

func (m *relayMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
}
