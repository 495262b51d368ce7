package ca

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Clients        prometheus.Gauge
	Authenticated  prometheus.Gauge
	Operations     prometheus.Gauge
	Disconnects    *prometheus.CounterVec
	DatagramsIn    prometheus.Counter
	DatagramsOut   prometheus.Counter
	InterestsAdded prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ca_clients",
			Help: "Connected game clients.",
		}),
		Authenticated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ca_clients_authenticated",
			Help: "Clients past login.",
		}),
		Operations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ca_operations_active",
			Help: "Running account operations.",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ca_disconnects_total",
			Help: "Server-initiated disconnects by reason code.",
		}, []string{"code"}),
		DatagramsIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "ca_client_datagrams_in_total",
			Help: "Datagrams received from game clients.",
		}),
		DatagramsOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "ca_client_datagrams_out_total",
			Help: "Datagrams sent to game clients.",
		}),
		InterestsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ca_interests_added_total",
			Help: "Interest add requests handled.",
		}),
	}
}

// Registry exposes the private registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
