// Package metrics exposes pipeline counters for the serve command.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Turns       *prometheus.CounterVec
	Chunks      prometheus.Counter
	Actions     *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Checkpoints prometheus.Counter
	Dispatch    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patchwork",
			Name:      "turns_total",
			Help:      "Turns by terminal approval state.",
		}, []string{"state"}),
		Chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "patchwork",
			Name:      "chunks_ingested_total",
			Help:      "Stream chunks fed to the parser.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patchwork",
			Name:      "actions_total",
			Help:      "Executed actions by kind and status.",
		}, []string{"kind", "status"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patchwork",
			Name:      "rejections_total",
			Help:      "Validator rejections by reason.",
		}, []string{"reason"}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "patchwork",
			Name:      "checkpoints_total",
			Help:      "Checkpoints committed.",
		}),
		Dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "patchwork",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent executing one approved batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.Turns, m.Chunks, m.Actions, m.Rejections, m.Checkpoints, m.Dispatch)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The helpers below accept a nil receiver so callers can run without metrics.

func (m *Metrics) ObserveTurn(state string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveChunk() {
	if m == nil {
		return
	}
	m.Chunks.Inc()
}

func (m *Metrics) ObserveAction(kind, status string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.Dispatch.Observe(d.Seconds())
}
