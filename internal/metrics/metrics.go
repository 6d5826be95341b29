// Package metrics is a supplemented feature (SPEC_FULL.md §4.7): Prometheus
// collectors for tick outcomes, budget remaining, queue depth, and pipeline
// stage counts. The heartbeat refreshes the gauges and the tick counter on
// every tick and the pipeline-stages counter whenever a pipeline actually
// runs; grounded in
// 99souls-ariadne's client_golang usage for a long-running engine, the one
// pack repo already shipping a metrics surface the teacher's CLI-shaped
// codebase never needed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the daemon's collectors behind a private
// prometheus.Registry so multiple daemon instances in the same test binary
// don't collide on the default global registry.
type Registry struct {
	reg *prometheus.Registry

	TickTotal        *prometheus.CounterVec
	BudgetRemaining  prometheus.Gauge
	QueueDepth       prometheus.Gauge
	PipelineStages   *prometheus.CounterVec
}

// New builds and registers the daemon's collector set.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tick_total",
			Help: "Heartbeat ticks by outcome action.",
		}, []string{"action"}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_budget_remaining",
			Help: "Prompts remaining in the current rolling budget window.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Number of items currently in the work queue.",
		}),
		PipelineStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pipeline_stages_total",
			Help: "Pipeline stages executed, by agent role and outcome.",
		}, []string{"agent", "outcome"}),
	}

	reg.MustRegister(r.TickTotal, r.BudgetRemaining, r.QueueDepth, r.PipelineStages)
	return r
}

// Handler exposes the registry over /metrics for promhttp scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
