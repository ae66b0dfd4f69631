// Package telemetry exports the training stream as Prometheus metrics and
// traces training steps and evaluation passes with OpenTelemetry.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "rdnet"

var tracer = otel.Tracer("rdnet.trainer")

// #region collectors
// Collectors groups the metrics of one training run on its own registry.
type Collectors struct {
	registry *prometheus.Registry

	trainLoss    prometheus.Gauge
	globalStep   prometheus.Gauge
	learningRate prometheus.Gauge
	evalMetric   *prometheus.GaugeVec
	bestMetric   *prometheus.GaugeVec
	evalPasses   prometheus.Counter
	writes       *prometheus.CounterVec
	evictions    *prometheus.CounterVec
}

// New registers a fresh set of collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		trainLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "loss",
			Help: "Loss of the most recent training step",
		}),
		globalStep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "global_step",
			Help: "Global optimizer step",
		}),
		learningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "learning_rate",
			Help: "Learning rate pushed to the model service",
		}),
		evalMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eval", Name: "metric",
			Help: "Metric vector of the most recent evaluation pass",
		}, []string{"metric"}),
		bestMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eval", Name: "best",
			Help: "Best value seen per metric",
		}, []string{"metric", "direction"}),
		evalPasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eval", Name: "passes_total",
			Help: "Completed evaluation passes",
		}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "writes_total",
			Help: "Checkpoint files written, by metric (periodic for non-best saves)",
		}, []string{"metric"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "evictions_total",
			Help: "Superseded best checkpoints removed, by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// #endregion collectors

// #region observe
// ObserveStep records one training step.
func (c *Collectors) ObserveStep(step int64, loss, lr float64) {
	c.globalStep.Set(float64(step))
	c.trainLoss.Set(loss)
	c.learningRate.Set(lr)
}

// ObserveEval records the vector of a finished evaluation pass.
func (c *Collectors) ObserveEval(v metrics.Vector) {
	c.evalPasses.Inc()
	for i, d := range metrics.Descriptors {
		c.evalMetric.WithLabelValues(d.Name).Set(v[i])
	}
}

// ObserveBest records the best-record state. Fresh records are not exported.
func (c *Collectors) ObserveBest(r best.Records) {
	for i, d := range metrics.Descriptors {
		if !r.Seen(i) {
			continue
		}
		c.bestMetric.WithLabelValues(d.Name, d.Direction.String()).Set(r[i].Value)
	}
}

// CheckpointWritten counts a written checkpoint file.
func (c *Collectors) CheckpointWritten(metric string) {
	c.writes.WithLabelValues(metric).Inc()
}

// CheckpointEvicted counts an eviction attempt; result is "removed", "missing" or "failed".
func (c *Collectors) CheckpointEvicted(result string) {
	c.evictions.WithLabelValues(result).Inc()
}

// #endregion observe

// #region tracing
// StartStep opens a span around one training step.
func StartStep(ctx context.Context, step int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "train.step", trace.WithAttributes(
		attribute.Int64("train.global_step", step),
	))
}

// StartEval opens a span around one evaluation pass.
func StartEval(ctx context.Context, step int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eval.pass", trace.WithAttributes(
		attribute.Int64("train.global_step", step),
	))
}

// EndEval annotates and closes an evaluation span.
func EndEval(span trace.Span, batches, samples, improved int) {
	span.SetAttributes(
		attribute.Int("eval.batches", batches),
		attribute.Int("eval.samples", samples),
		attribute.Int("eval.improved", improved),
	)
	span.End()
}

// #endregion tracing
