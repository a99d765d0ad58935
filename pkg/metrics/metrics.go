package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmgr_queue_pending",
			Help: "Number of jobs waiting for admission, by pool and priority",
		},
		[]string{"pool", "priority"},
	)

	QueueRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmgr_queue_running",
			Help: "Number of jobs currently admitted and running, by pool",
		},
		[]string{"pool"},
	)

	QueueRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmgr_queue_rejected_total",
			Help: "Total number of enqueue attempts rejected due to backlog cap",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmgr_jobs_total",
			Help: "Total number of jobs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobmgr_job_duration_seconds",
			Help:    "Time from admission to terminal status, by kind",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"kind"},
	)

	// Task metrics
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobmgr_task_duration_seconds",
			Help:    "Task execution duration in seconds, by task kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmgr_tasks_total",
			Help: "Total number of tasks by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	// Output manager metrics
	OutputLinesTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmgr_output_lines_truncated_total",
			Help: "Total number of output lines dropped due to the per-job ring buffer overflowing",
		},
	)

	// Event broadcaster metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmgr_events_published_total",
			Help: "Total number of events published, by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmgr_events_dropped_total",
			Help: "Total number of events dropped because a subscriber's queue overflowed",
		},
	)

	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmgr_subscribers_active",
			Help: "Current number of active event subscribers",
		},
	)

	// Recovery metrics
	RecoveredJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmgr_recovered_jobs_total",
			Help: "Total number of jobs swept to failed/interrupted at startup",
		},
	)

	// Scheduler metrics
	ScheduleFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmgr_schedule_fires_total",
			Help: "Total number of schedule fires, by schedule id and outcome (enqueued, missed, rejected)",
		},
		[]string{"schedule_id", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(QueuePending)
	prometheus.MustRegister(QueueRunning)
	prometheus.MustRegister(QueueRejectedTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(OutputLinesTruncatedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SubscribersActive)
	prometheus.MustRegister(RecoveredJobsTotal)
	prometheus.MustRegister(ScheduleFiresTotal)
}

// Handler returns the Prometheus HTTP handler, for collaborators that
// choose to expose it (the core never serves HTTP itself).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
