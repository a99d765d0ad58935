// Package runner walks a composite job's task list to completion: one
// task at a time, sequentially, publishing lifecycle events and
// persisting status transitions as it goes. Parallelism across jobs
// is pkg/queue's concern; within a single job, execution is always
// strictly sequential.
package runner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/archivist/pkg/events"
	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/output"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/tasks"
	"github.com/cuemby/archivist/pkg/types"
)

// Runner executes one composite job's task list against a store, an
// output buffer, and an event broadcaster.
type Runner struct {
	registry *tasks.Registry
	store    storage.Store
	output   *output.Manager
	events   *events.Broadcaster
	logger   zerolog.Logger
}

// New creates a Runner. registry may be nil, in which case
// tasks.NewRegistry() is used.
func New(registry *tasks.Registry, store storage.Store, out *output.Manager, broker *events.Broadcaster) *Runner {
	if registry == nil {
		registry = tasks.NewRegistry()
	}
	return &Runner{
		registry: registry,
		store:    store,
		output:   out,
		events:   broker,
		logger:   log.WithComponent("runner"),
	}
}

// Run walks job.Tasks to completion in order, dispatching each to the
// executor registered for its kind. cancel is checked at every task
// boundary; taskCtx.Cancel should be the same channel so an in-flight
// executor observes it too. Run mutates job in place and persists
// every status transition via the store; it never returns an error
// itself — failures are recorded on the job/task and the store write
// is logged and otherwise swallowed, since a persistence hiccup must
// not prevent the in-memory state from reflecting what actually ran.
func (r *Runner) Run(job *types.Job, taskCtx *tasks.Context, cancel <-chan struct{}) {
	r.transitionJob(job, types.JobRunning)
	timer := metrics.NewTimer()

	for i := range job.Tasks {
		if isCancelled(cancel) {
			r.markRange(job, i, types.TaskStopped)
			r.finishJob(job, types.JobStopped)
			timer.ObserveDurationVec(metrics.JobDuration, job.Kind)
			return
		}

		job.CurrentTaskIndex = i
		task := &job.Tasks[i]

		startedAt := time.Now()
		task.StartedAt = &startedAt
		task.Status = types.TaskRunning
		r.persistTasks(job)
		r.publishTaskEvent(job, i, types.EventTaskStarted)

		success := r.registry.Execute(job, task, i, taskCtx)

		finishedAt := time.Now()
		task.FinishedAt = &finishedAt
		switch {
		case success:
			task.Status = types.TaskCompleted
		case isCancelled(cancel):
			task.Status = types.TaskStopped
		default:
			task.Status = types.TaskFailed
		}
		r.persistTasks(job)
		r.publishTaskEvent(job, i, types.EventTaskCompleted)

		if task.Status == types.TaskStopped {
			r.markRange(job, i+1, types.TaskStopped)
			r.finishJob(job, types.JobStopped)
			timer.ObserveDurationVec(metrics.JobDuration, job.Kind)
			return
		}

		if !success && !task.ContinueOnFailure {
			r.markRange(job, i+1, types.TaskSkipped)
			job.Error = task.Error
			r.finishJob(job, types.JobFailed)
			timer.ObserveDurationVec(metrics.JobDuration, job.Kind)
			return
		}
	}

	r.finishJob(job, types.JobCompleted)
	timer.ObserveDurationVec(metrics.JobDuration, job.Kind)
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// markRange sets every task from index i onward (still pending) to
// status, used both for the cancellation sweep and for the
// continue-on-failure skip.
func (r *Runner) markRange(job *types.Job, from int, status types.TaskStatus) {
	for i := from; i < len(job.Tasks); i++ {
		if job.Tasks[i].Status.Terminal() {
			continue
		}
		job.Tasks[i].Status = status
	}
	r.persistTasks(job)
}

func (r *Runner) transitionJob(job *types.Job, status types.JobStatus) {
	job.Status = status
	if r.store != nil {
		if _, err := r.store.UpdateJobStatus(job.ID, status, nil, job.Error); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist job transition")
		}
	}
	r.publishJobEvent(job, types.EventJobStarted)
}

func (r *Runner) finishJob(job *types.Job, status types.JobStatus) {
	finishedAt := time.Now()
	job.Status = status
	job.FinishedAt = &finishedAt

	if r.store != nil {
		unixFinished := finishedAt.Unix()
		if _, err := r.store.UpdateJobStatus(job.ID, status, &unixFinished, job.Error); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist job completion")
		}
	}

	metrics.JobsTotal.WithLabelValues(job.Kind, string(status)).Inc()

	eventType := types.EventJobCompleted
	switch status {
	case types.JobFailed:
		eventType = types.EventJobFailed
	case types.JobStopped:
		eventType = types.EventJobStopped
	}
	r.publishJobEvent(job, eventType)
}

func (r *Runner) persistTasks(job *types.Job) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTasks(job.ID, job.Tasks); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist task state")
	}
}

func (r *Runner) publishJobEvent(job *types.Job, eventType types.EventType) {
	if r.events == nil {
		return
	}
	r.events.Publish(types.Event{
		Type:  eventType,
		JobID: &job.ID,
		Data:  map[string]any{"status": string(job.Status), "kind": job.Kind},
	})
}

func (r *Runner) publishTaskEvent(job *types.Job, index int, eventType types.EventType) {
	if r.events == nil {
		return
	}
	idx := index
	task := job.Tasks[index]
	data := map[string]any{"status": string(task.Status), "kind": string(task.Kind)}
	if task.ExitCode != nil {
		data["exit_code"] = *task.ExitCode
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	r.events.Publish(types.Event{
		Type:      eventType,
		JobID:     &job.ID,
		TaskIndex: &idx,
		Data:      data,
	})
}
