package tasks

import (
	"os"
	"strings"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// NotificationExecutor delivers a status message through a
// provider-specific notifier. It follows the same success/failure
// contract as every other executor: a failed delivery fails the
// task, and it is the runner's continue_on_failure handling (not any
// special case here) that decides whether that failure ends the job.
type NotificationExecutor struct{}

// Execute renders the message template against the job and invokes
// the provider's notifier binary with it.
func (NotificationExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.NotifyParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}

	message := renderTemplate(params.MessageTemplate, job)
	argv := []string{"notify", "--provider", params.Provider, "--title", params.Title, "--message", message}

	result := ctx.run(job, task, index, argv, os.Environ(), 10*time.Second)
	return recordExit(task, result, "notification")
}

// renderTemplate does simple {{field}} substitution against the job's
// id, error and status as they stand when the task runs (the job is
// still running while its own tasks execute); providers that need
// richer templating
// receive the raw message and do their own expansion.
func renderTemplate(template string, job *types.Job) string {
	replacer := strings.NewReplacer(
		"{{job_id}}", job.ID.String(),
		"{{status}}", string(job.Status),
		"{{error}}", job.Error,
	)
	return replacer.Replace(template)
}
