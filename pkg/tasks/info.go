package tasks

import (
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// InfoExecutor records a lightweight metadata snapshot and never
// fails the job. It backs explicit "info" tasks in a composite job's
// task list. The single info-kind task of a job registered through
// pkg/jobmanager.RegisterExternalJob is never executed; its outcome
// is reported through CompleteExternalTask.
type InfoExecutor struct{}

// Execute runs `borg info` against the repository and records its
// output as the task's result. A non-zero exit or spawn failure is
// recorded on the task but never returned as a failure: info is
// observational by contract.
func (InfoExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	if ctx.Repository == nil {
		return true
	}

	argv := []string{"borg", "info", ctx.Repository.Path}
	result := ctx.run(job, task, index, argv, ctx.repositoryEnv(), 10*time.Second)

	code := result.Code
	task.ExitCode = &code
	if result.Err != nil {
		task.Error = result.Err.Error()
	}
	return true
}
