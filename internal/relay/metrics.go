package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type hubMetrics struct {
	connections prometheus.Gauge
	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	f := promauto.With(reg)

	return &hubMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_relay_connections",
			Help: "Number of open relay connections",
		}),
		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_relay_frames_routed_total",
				Help: "Total number of frames forwarded to a receiver",
			},
			[]string{"event"},
		),
		dropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_relay_frames_dropped_total",
				Help: "Total number of frames the relay did not forward",
			},
			[]string{"event", "reason"},
		),
	}
}
