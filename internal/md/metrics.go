package md

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the director's counters on a private registry so tests can
// run directors side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	Participants prometheus.Gauge
	Channels     prometheus.Gauge
	RoutedTotal  prometheus.Counter
	DroppedTotal prometheus.Counter
	PostRemoves  prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "md_participants",
			Help: "Connected bus participants.",
		}),
		Channels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "md_channels",
			Help: "Channels with a registered owner.",
		}),
		RoutedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "md_routed_datagrams_total",
			Help: "Datagrams delivered to a recipient.",
		}),
		DroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "md_dropped_datagrams_total",
			Help: "Datagrams addressed to a channel nobody owns.",
		}),
		PostRemoves: factory.NewGauge(prometheus.GaugeOpts{
			Name: "md_post_removes_queued",
			Help: "Queued post-remove datagrams across all participants.",
		}),
	}
}

// Registry exposes the private registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
