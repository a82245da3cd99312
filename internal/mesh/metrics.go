package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	published       prometheus.Counter
	publishFailures prometheus.Counter
	received        prometheus.Counter
	subscribed      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_published_total",
			Help: "Routed envelopes published to other nodes.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_publish_failures_total",
			Help: "Bus publishes that returned an error.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_received_total",
			Help: "Messages received on this node's bus channel.",
		}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bus_subscribed",
			Help: "1 while the node holds an active bus subscription.",
		}),
	}

	reg.MustRegister(
		m.published,
		m.publishFailures,
		m.received,
		m.subscribed,
	)
	return m
}

func (m *Metrics) RecordPublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailures.Inc()
		return
	}
	m.published.Inc()
}

func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) SetSubscribed(active bool) {
	if m == nil {
		return
	}
	if active {
		m.subscribed.Set(1)
		return
	}
	m.subscribed.Set(0)
}
