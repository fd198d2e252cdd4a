// Package metrics provides Prometheus instrumentation for connections,
// deliveries and the backplane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "support_chat"

// Delivery results.
const (
	ResultDelivered = "delivered"
	ResultMiss      = "miss"
	ResultFailed    = "failed"
)

type Metrics struct {
	reg *prometheus.Registry

	Connections              *prometheus.GaugeVec
	Deliveries               *prometheus.CounterVec
	MessagesPersisted        *prometheus.CounterVec
	BackplanePublishFailures prometheus.Counter
	BackplaneReceived        *prometheus.CounterVec
	BackplaneReconnects      prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections on this instance",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Local delivery attempts by target type and result",
		}, []string{"target_type", "result"}),
		MessagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Chat messages persisted before routing",
		}, []string{"sender"}),
		BackplanePublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_publish_failures_total",
			Help:      "Envelopes that could not be published to the backplane",
		}),
		BackplaneReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_envelopes_received_total",
			Help:      "Envelopes received from other instances",
		}, []string{"channel"}),
		BackplaneReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_resubscribes_total",
			Help:      "Backplane subscription restarts after a failure",
		}),
	}

	m.reg.MustRegister(
		m.Connections,
		m.Deliveries,
		m.MessagesPersisted,
		m.BackplanePublishFailures,
		m.BackplaneReceived,
		m.BackplaneReconnects,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
