// Package metrics exposes build counters for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellar-build/stellar/internal/build"
)

// Collector implements build.Sink and build.Recorder.
type Collector struct {
	registry *prometheus.Registry
	started  prometheus.Counter
	finished *prometheus.CounterVec
	lines    prometheus.Counter
	duration prometheus.Histogram
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar",
			Name:      "jobs_started_total",
			Help:      "Number of started builds.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellar",
			Name:      "jobs_finished_total",
			Help:      "Number of builds which reached a terminal state.",
		}, []string{"state"}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar",
			Name:      "log_lines_total",
			Help:      "Number of captured build output lines.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stellar",
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	c.registry.MustRegister(
		c.started,
		c.finished,
		c.lines,
		c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Publish(build.Event) {
	c.lines.Inc()
}

func (c *Collector) Record(_ context.Context, s build.Summary) error {
	if !s.Status.State.Terminal() {
		c.started.Inc()
		return nil
	}
	c.finished.WithLabelValues(string(s.Status.State)).Inc()
	if s.Status.StartedAt != nil && s.Status.FinishedAt != nil {
		c.duration.Observe(s.Status.FinishedAt.Sub(*s.Status.StartedAt).Seconds())
	}
	return nil
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
