// Package metrics exposes call core counters through Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Signaling metrics
	SignalReceived(kind string)
	SignalSent(kind string)
	SignalDropped(kind, reason string)

	// Call metrics
	CallStarted(role string)
	CallFinished(status string)
	StatusChanged(status string)

	// Negotiation metrics
	CandidateBuffered()
	CandidateApplied()
	CandidateFailed()
	ICERestart()
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	registry prometheus.Gatherer

	signalsReceived *prometheus.CounterVec
	signalsSent     *prometheus.CounterVec
	signalsDropped  *prometheus.CounterVec

	callsStarted  *prometheus.CounterVec
	callsFinished *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	activeCalls   prometheus.Gauge

	candidatesBuffered prometheus.Counter
	candidatesApplied  prometheus.Counter
	candidatesFailed   prometheus.Counter
	iceRestarts        prometheus.Counter
}

// NewPrometheusCollector registers every metric on reg. Passing a fresh
// prometheus.NewRegistry() keeps collectors independent, which tests rely on.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	f := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		signalsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signals_received_total",
				Help: "Total number of valid inbound signals",
			},
			[]string{"kind"},
		),
		signalsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signals_sent_total",
				Help: "Total number of outbound signals handed to the transport",
			},
			[]string{"kind"},
		),
		signalsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signals_dropped_total",
				Help: "Total number of signals dropped before reaching a handler or the transport",
			},
			[]string{"kind", "reason"},
		),

		callsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_started_total",
				Help: "Total number of call sessions created",
			},
			[]string{"role"},
		),
		callsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_finished_total",
				Help: "Total number of call sessions that reached a terminal status",
			},
			[]string{"status"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_status_transitions_total",
				Help: "Total number of call status transitions by target status",
			},
			[]string{"status"},
		),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_active_calls",
			Help: "Number of non-terminal call sessions (0 or 1)",
		}),

		candidatesBuffered: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_candidates_buffered_total",
			Help: "ICE candidates queued before the remote description was applied",
		}),
		candidatesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_candidates_applied_total",
			Help: "ICE candidates applied to the media engine",
		}),
		candidatesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_candidates_failed_total",
			Help: "ICE candidates the media engine rejected",
		}),
		iceRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_ice_restarts_total",
			Help: "ICE restart attempts",
		}),
	}
}

func (c *PrometheusCollector) SignalReceived(kind string) { c.signalsReceived.WithLabelValues(kind).Inc() }
func (c *PrometheusCollector) SignalSent(kind string)     { c.signalsSent.WithLabelValues(kind).Inc() }
func (c *PrometheusCollector) SignalDropped(kind, reason string) {
	c.signalsDropped.WithLabelValues(kind, reason).Inc()
}

func (c *PrometheusCollector) CallStarted(role string) {
	c.callsStarted.WithLabelValues(role).Inc()
	c.activeCalls.Inc()
}

func (c *PrometheusCollector) CallFinished(status string) {
	c.callsFinished.WithLabelValues(status).Inc()
	c.activeCalls.Dec()
}

func (c *PrometheusCollector) StatusChanged(status string) { c.transitions.WithLabelValues(status).Inc() }

func (c *PrometheusCollector) CandidateBuffered() { c.candidatesBuffered.Inc() }
func (c *PrometheusCollector) CandidateApplied()  { c.candidatesApplied.Inc() }
func (c *PrometheusCollector) CandidateFailed()   { c.candidatesFailed.Inc() }
func (c *PrometheusCollector) ICERestart()        { c.iceRestarts.Inc() }

// Handler returns an HTTP handler for the metrics endpoint.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) SignalReceived(string)        {}
func (Nop) SignalSent(string)            {}
func (Nop) SignalDropped(string, string) {}
func (Nop) CallStarted(string)           {}
func (Nop) CallFinished(string)          {}
func (Nop) StatusChanged(string)         {}
func (Nop) CandidateBuffered()           {}
func (Nop) CandidateApplied()            {}
func (Nop) CandidateFailed()             {}
func (Nop) ICERestart()                  {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
