// Package metrics exposes prometheus instruments for the worker pipelines.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// WorkerMetrics captures pipeline health: task throughput, latency, credit
// debits and live event delivery.
type WorkerMetrics struct {
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskFailures  prometheus.Counter
	creditDebits  prometheus.Counter
	eventsPublish *prometheus.CounterVec
}

var (
	workerMetrics     *WorkerMetrics
	workerMetricsOnce sync.Once
)

// NewWorkerMetrics returns the process-wide metrics instance, registering
// the collectors on first use.
func NewWorkerMetrics() *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer)
	})
	return workerMetrics
}

func newWorkerMetrics(registerer prometheus.Registerer) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &WorkerMetrics{
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wisdar_worker_task_runs_total",
			Help: "Completed task handler runs by type and outcome.",
		}, []string{"type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wisdar_worker_task_duration_seconds",
			Help:    "Task handler latency by type.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
		taskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wisdar_worker_task_failures_total",
			Help: "Messages driven to a terminal FAILED status.",
		}),
		creditDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wisdar_credit_debits_total",
			Help: "Successful credit ledger debits.",
		}),
		eventsPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wisdar_events_published_total",
			Help: "Live events published by type.",
		}, []string{"type"}),
	}
	registerer.MustRegister(
		m.taskRuns,
		m.taskDuration,
		m.taskFailures,
		m.creditDebits,
		m.eventsPublish,
	)
	return m
}

func (m *WorkerMetrics) ObserveTask(taskType string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.taskRuns.WithLabelValues(taskType, outcome).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *WorkerMetrics) RecordTaskFailure() {
	m.taskFailures.Inc()
}

func (m *WorkerMetrics) RecordCreditDebit() {
	m.creditDebits.Inc()
}

func (m *WorkerMetrics) RecordEventPublished(eventType string) {
	m.eventsPublish.WithLabelValues(eventType).Inc()
}

var Module = fx.Module("observability.metrics",
	fx.Provide(NewWorkerMetrics),
	fx.Provide(NewHTTPMetrics),
)
