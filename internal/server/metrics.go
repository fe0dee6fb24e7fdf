// Package server exposes the broker's Prometheus metrics.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pipechat"

// Metrics are the broker's Prometheus collectors. NewMetrics(nil) builds a
// working set that is not registered anywhere.
type Metrics struct {
	SessionsConnected   prometheus.Gauge
	Handshakes          *prometheus.CounterVec
	MessagesReceived    prometheus.Counter
	MessagesDropped     prometheus.Counter
	Deliveries          *prometheus.CounterVec
	ReplayedMessages    prometheus.Counter
	ConnectionsRejected prometheus.Counter
}

// NewMetrics creates the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_connected",
			Help:      "Number of registered sessions.",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes.",
		}, []string{"result"}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages accepted from clients and stored in history.",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded by the per-session rate limiter.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Broadcast writes to recipients by outcome.",
		}, []string{"result"}),
		ReplayedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replayed_messages_total",
			Help:      "History messages replayed to reconnecting users.",
		}),
		ConnectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the server was at capacity.",
		}),
	}
}

func (m *Metrics) handshake(ok bool) {
	m.Handshakes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) delivery(ok bool) {
	m.Deliveries.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
