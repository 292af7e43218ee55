// Package metrics holds the Prometheus collectors shared by the lock, the
// task runner and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "barkest"

// Lock attempt results
const (
	LockAcquired  = "acquired"
	LockContended = "contended"
	LockError     = "error"
)

var (
	LockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "global_lock_attempts_total",
		Help:      "Attempts to take the global lock, by result.",
	}, []string{"result"})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Long-running tasks by final outcome.",
	}, []string{"task", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time of long-running tasks that held the lock.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"task"})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_running",
		Help:      "Background tasks currently executing in this process.",
	})

	StatusPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_polls_total",
		Help:      "Status log polls, by kind and whether the log was readable.",
	}, []string{"kind", "error"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})
)
