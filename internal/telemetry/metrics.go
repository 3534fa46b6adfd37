package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total enqueued tasks"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TasksFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_finished_total", Help: "Tasks that reached a terminal status"}, []string{"status"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to DLQ"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
	SubTasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "subtasks_completed_total", Help: "Subtasks marked COMPLETED"}, []string{"type"})
	SubTasksFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "subtasks_failed_total", Help: "Subtasks marked FAILED"}, []string{"type"})
	ItemsSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "subtask_items_skipped_total", Help: "Loop items whose failure was swallowed by a best-effort processor"}, []string{"processor"})
	TokenRefreshes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "token_refreshes_total", Help: "OAuth token refresh attempts"}, []string{"provider", "outcome"})
	ExecutionContexts = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "execution_contexts_total", Help: "Execution contexts resolved by token source"}, []string{"token_source"})
	ProviderThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_throttled_total", Help: "Provider responses with HTTP 429"}, []string{"provider"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			TasksFinished,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			SubTasksCompleted,
			SubTasksFailed,
			ItemsSkipped,
			TokenRefreshes,
			ExecutionContexts,
			ProviderThrottled,
		)
	})
	return promhttp.Handler()
}
