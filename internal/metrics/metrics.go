// Package metrics exports save queue activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storysave/internal/savequeue"
)

const namespace = "storysave"

var _ savequeue.Observer = (*Collector)(nil)

// Collector is a savequeue.Observer backed by its own registry.
type Collector struct {
	registry    *prometheus.Registry
	saving      prometheus.Gauge
	queueLength prometheus.Gauge
	conflicts   prometheus.Counter
	errors      prometheus.Counter
	failed      *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		saving: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "saving",
			Help:      "1 while the queue is draining or a full save runs.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Operations waiting in the save queue.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Version conflicts reported by the store.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Fatal save errors surfaced to the user.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_failed_total",
			Help:      "Operations dropped for good.",
		}, []string{"entity_type", "kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_attempts_total",
			Help:      "Store calls by outcome class.",
		}, []string{"entity_type", "kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Store call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type", "kind"}),
	}
	c.registry.MustRegister(
		c.saving, c.queueLength, c.conflicts, c.errors, c.failed, c.attempts, c.duration,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SaveStatusChanged(saving bool) {
	if saving {
		c.saving.Set(1)
		return
	}
	c.saving.Set(0)
}

func (c *Collector) QueueLengthChanged(length int) {
	c.queueLength.Set(float64(length))
}

func (c *Collector) Conflict(_, _ time.Time) {
	c.conflicts.Inc()
}

func (c *Collector) Error(error) {
	c.errors.Inc()
}

func (c *Collector) OperationFailed(op savequeue.Operation, _ error) {
	c.failed.WithLabelValues(string(op.EntityType), string(op.Kind)).Inc()
}

func (c *Collector) OperationAttempted(op savequeue.Operation, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = savequeue.Classify(err).String()
	}
	c.attempts.WithLabelValues(string(op.EntityType), string(op.Kind), result).Inc()
	c.duration.WithLabelValues(string(op.EntityType), string(op.Kind)).Observe(took.Seconds())
}
