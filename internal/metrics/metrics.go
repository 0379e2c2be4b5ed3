// Package metrics exposes the relay's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "e2e_relay"

type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	PacketsReceived  *prometheus.CounterVec
	PacketsDelivered prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	Rejections       *prometheus.CounterVec
	MirrorErrors     *prometheus.CounterVec
	ChatsCreated     *prometheus.CounterVec
}

// New registers every collector on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections.",
		}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets read from clients by message type.",
		}, []string{"type"}),
		PacketsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_delivered_total",
			Help:      "Packets queued to recipients.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-recipient delivery failures.",
		}, []string{"reason"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of a framing error.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests refused by chat policy.",
		}, []string{"reason"}),
		MirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Failed calls to the mirror store.",
		}, []string{"op"}),
		ChatsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chats_created_total",
			Help:      "Chats created by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.Connections,
		m.PacketsReceived,
		m.PacketsDelivered,
		m.DeliveryFailures,
		m.ProtocolErrors,
		m.Rejections,
		m.MirrorErrors,
		m.ChatsCreated,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
