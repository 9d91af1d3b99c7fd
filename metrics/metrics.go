// Package metrics exposes engine counters on a per-instance Prometheus
// registry, so embedding applications can aggregate or scrape them as they
// see fit.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instruments. All instruments live on Registry;
// nothing is registered globally.
type Metrics struct {
	Registry *prometheus.Registry

	Evaluations      prometheus.Counter
	HooksEvaluated   prometheus.Counter
	HooksTriggered   prometheus.Counter
	HooksSkipped     prometheus.Counter
	PredicateErrors  *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	PipelineErrors   prometheus.Counter
	ReceiptsWritten  prometheus.Counter
}

// New creates the instrument set. queueDepth is sampled on scrape.
func New(queueDepth func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_evaluations_total",
			Help: "Evaluate calls processed.",
		}),
		HooksEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_hooks_evaluated_total",
			Help: "Hook predicates evaluated.",
		}),
		HooksTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_hooks_triggered_total",
			Help: "Hook predicates that fired.",
		}),
		HooksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_hooks_skipped_total",
			Help: "Hook invocations skipped: predicate held false or deduplicated by idempotency key.",
		}),
		PredicateErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semhooks_predicate_errors_total",
			Help: "Predicate evaluations that failed, by error kind.",
		}, []string{"kind"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semhooks_pipeline_duration_seconds",
			Help:    "Wall-clock duration of pipeline executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PipelineErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_pipeline_errors_total",
			Help: "Pipeline executions that finished with an error status.",
		}),
		ReceiptsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "semhooks_receipts_written_total",
			Help: "Receipts buffered for persistence.",
		}),
	}

	if queueDepth != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "semhooks_queue_depth",
			Help: "Pipelines waiting in the queue.",
		}, queueDepth)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
