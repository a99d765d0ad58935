package tasks

import (
	"os"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// CommandParams configures an arbitrary-command task: a plain argv
// plus an environment overlay, with none of the hook executor's
// identifier-injection behavior.
type CommandParams struct {
	Argv    []string          `yaml:"argv"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

const defaultCommandTimeout = 10 * time.Minute

// CommandExecutor runs an arbitrary command task: a generic escape
// hatch distinct from Hook, with no env-injection contract of its
// own beyond the overlay the caller supplies.
type CommandExecutor struct{}

// Execute runs CommandParams.Argv directly (no shell wrapping).
func (CommandExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params CommandParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}
	if len(params.Argv) == 0 {
		task.Error = "command task has an empty argv"
		return false
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	env := os.Environ()
	for k, v := range params.Env {
		env = append(env, k+"="+v)
	}

	result := ctx.runWithDeadline(job, task, index, params.Argv, env, timeout, 5*time.Second)
	return recordExit(task, result, "command")
}
