/*
metrics.go - Prometheus instrumentation for ledger operations

PURPOSE:
  Implements ledger.Observer so every finished operation increments a
  counter labelled by operation and outcome and records its latency.

METRICS:
  points_ledger_operations_total{op,outcome}
  points_ledger_operation_duration_seconds{op}
  points_ledger_rate_limited_total{route}
  points_ledger_job_runs_total{job,outcome}

REGISTRY:
  Collectors register on the Registerer passed to New so tests can use a
  fresh prometheus.NewRegistry() per case.
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "points_ledger"

// Collector holds the ledger's Prometheus collectors.
type Collector struct {
	gatherer prometheus.Gatherer

	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
}

// New registers the collectors on reg. When reg also implements
// prometheus.Gatherer, Handler serves from it; otherwise from the default
// gatherer.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		gatherer: prometheus.DefaultGatherer,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome (ok, duplicate, rejected, error).",
		}, []string{"op", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency including the store transaction.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter.",
		}, []string{"route"}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled maintenance job runs.",
		}, []string{"job", "outcome"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Observe implements ledger.Observer.
func (c *Collector) Observe(op, outcome string, elapsed time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) RateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

func (c *Collector) JobRun(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.jobRuns.WithLabelValues(job, outcome).Inc()
}

// Handler serves the exposition format for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
