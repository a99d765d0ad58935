package tasks

import (
	"os"
	"strings"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

const defaultHookTimeout = 5 * time.Minute

// hookCleanupBudget is how much extra time a hook gets, past its
// stated timeout, to terminate cleanly before it is force-killed.
const hookCleanupBudget = 5 * time.Second

// HookExecutor runs a pre/post lifecycle command with job context
// injected into its environment.
type HookExecutor struct{}

// Execute builds the hook's environment (inherited environment,
// overlaid with the hook's own vars, overlaid with injected job/hook
// identifiers and uppercased context entries) and runs
// `shell -c command`, enforcing timeout plus a fixed cleanup budget.
func (HookExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.HookParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}

	env := ctx.hookEnv(job, params)
	argv := []string{shell, "-c", params.Command}

	cancel := firstOf(ctx.Cancel, afterTimer(timeout))
	result, cancelled := ctx.runner().Run(argv, env, ctx.streamTo(job, index), cancel, hookCleanupBudget)

	if cancelled && result.Err == nil {
		task.Error = "hook \"" + params.Name + "\" timed out after " + timeout.String()
		code := result.Code
		task.ExitCode = &code
		return false
	}
	return recordExit(task, result, "hook "+params.Name)
}

// hookEnv builds the child process environment per the injection
// order: inherited env, hook-specific overlay, then the job/hook
// identifiers and uppercased context entries, all under the
// configured prefix, applied last so they always win.
func (c *Context) hookEnv(job *types.Job, params types.HookParams) []string {
	prefix := c.envPrefix()
	env := make([]string, 0, len(os.Environ())+len(params.Env)+len(c.ExtraEnv)+2)
	env = append(env, os.Environ()...)
	for k, v := range params.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, prefix+"JOB_ID="+job.ID.String())
	env = append(env, prefix+"HOOK_NAME="+params.Name)
	for k, v := range c.ExtraEnv {
		env = append(env, prefix+strings.ToUpper(k)+"="+v)
	}
	return env
}
