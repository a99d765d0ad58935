package tasks

import (
	"fmt"

	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/types"
)

// Registry dispatches a task to the Executor registered for its kind.
type Registry struct {
	executors map[types.TaskKind]Executor
}

// NewRegistry returns a Registry with the default executor wired for
// every task kind.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[types.TaskKind]Executor)}
	r.Register(types.TaskBackup, BackupExecutor{})
	r.Register(types.TaskPrune, PruneExecutor{})
	r.Register(types.TaskCheck, CheckExecutor{})
	r.Register(types.TaskCloudSync, CloudSyncExecutor{})
	r.Register(types.TaskNotification, NotificationExecutor{})
	r.Register(types.TaskHook, HookExecutor{})
	r.Register(types.TaskCommand, CommandExecutor{})
	r.Register(types.TaskInfo, InfoExecutor{})
	return r
}

// Register installs (or replaces) the executor for kind.
func (r *Registry) Register(kind types.TaskKind, ex Executor) {
	r.executors[kind] = ex
}

// Execute looks up the executor for task.Kind and runs it, timing the
// call and bumping the per-kind/status counters regardless of outcome.
func (r *Registry) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	ex, ok := r.executors[task.Kind]
	if !ok {
		task.Error = fmt.Sprintf("tasks: no executor registered for kind %q", task.Kind)
		return false
	}

	timer := metrics.NewTimer()
	success := ex.Execute(job, task, index, ctx)
	timer.ObserveDurationVec(metrics.TaskDuration, string(task.Kind))

	status := types.TaskCompleted
	if !success {
		status = types.TaskFailed
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), string(status)).Inc()

	return success
}
