// Package tasks implements one Executor per task kind: backup, prune,
// check, cloud_sync, notification, hook, command, and info. The
// composite job runner dispatches each task in a job's task list to
// the Executor registered for its kind, passing a shared Context
// carrying the repository, its decrypted credentials, and the
// collaborators (output, events, secrets) every executor streams
// through.
package tasks

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/archivist/pkg/events"
	"github.com/cuemby/archivist/pkg/executor"
	"github.com/cuemby/archivist/pkg/output"
	"github.com/cuemby/archivist/pkg/pathutil"
	"github.com/cuemby/archivist/pkg/security"
	"github.com/cuemby/archivist/pkg/types"
)

// CloudSyncConfigLookup resolves a cloud-sync destination by id. The
// job manager's store satisfies this; tests use a fake.
type CloudSyncConfigLookup interface {
	GetCloudSyncConfig(id int64) (*types.CloudSyncConfig, error)
}

// Context is threaded through every Execute call. It is rebuilt per
// job by pkg/jobmanager, not shared across jobs.
type Context struct {
	Repository *types.Repository
	Passphrase string

	Paths   *pathutil.Service
	Output  *output.Manager
	Events  *events.Broadcaster
	Secrets *security.SecretsManager

	CloudSyncConfigs CloudSyncConfigLookup

	// HookEnvPrefix is prepended to the environment variables hook
	// tasks inject (job id, hook name, context entries).
	// Defaults to "JOBMGR_" if empty.
	HookEnvPrefix string

	// ExtraEnv carries job-level context (e.g. repository name,
	// schedule id) that hook tasks expose to their child process as
	// uppercased, prefixed environment variables.
	ExtraEnv map[string]string

	// Cancel is closed to request the in-flight task stop as soon as
	// possible. Checked between task boundaries by the runner, and
	// watched by the process runner while a child process is running,
	// which terminates the child when it closes.
	Cancel <-chan struct{}

	// Runner spawns and monitors child processes. Defaults to one
	// backed by pkg/executor; tests substitute a fake so no executor
	// ever shells out to a real archival binary.
	Runner ProcessRunner
}

// ProcessRunner is the seam every executor spawns child processes
// through, so tests can substitute a fake without a real binary on
// PATH.
type ProcessRunner interface {
	Run(argv []string, env []string, lineCB executor.LineCallback, cancel <-chan struct{}, grace time.Duration) (executor.ExitResult, bool)
}

type realProcessRunner struct{}

func (realProcessRunner) Run(argv []string, env []string, lineCB executor.LineCallback, cancel <-chan struct{}, grace time.Duration) (executor.ExitResult, bool) {
	return executor.RunCancelable(argv, env, "", lineCB, cancel, grace)
}

func (c *Context) runner() ProcessRunner {
	if c.Runner != nil {
		return c.Runner
	}
	return realProcessRunner{}
}

func (c *Context) envPrefix() string {
	if c.HookEnvPrefix == "" {
		return "JOBMGR_"
	}
	return c.HookEnvPrefix
}

// repositoryEnv is the base environment every process that touches
// the repository gets: the inherited environment plus the repository
// path and its passphrase, the way the archival tool expects them.
func (c *Context) repositoryEnv() []string {
	env := os.Environ()
	if c.Repository != nil {
		env = append(env, "BORG_REPO="+c.Repository.Path)
	}
	if c.Passphrase != "" {
		env = append(env, "BORG_PASSPHRASE="+c.Passphrase)
	}
	return env
}

// streamTo returns a LineCallback that appends output lines to the
// job's output buffer and publishes a task-output event for each one.
func (c *Context) streamTo(job *types.Job, index int) executor.LineCallback {
	return func(line string, stream executor.Stream) {
		tag := types.StreamStdout
		if stream == executor.StreamStderr {
			tag = types.StreamStderr
		}
		if c.Output != nil {
			c.Output.Append(job.ID, line, tag, 0)
		}
		if c.Events != nil {
			idx := index
			c.Events.Publish(types.Event{
				Type:      types.EventTaskOutput,
				JobID:     &job.ID,
				TaskIndex: &idx,
				Data:      map[string]any{"line": line, "stream": string(tag)},
			})
		}
	}
}

// run spawns argv with env, streaming its output into job/task's
// buffer and events, and returns once the process exits or Cancel
// fires (in which case it is terminated with the given grace period).
func (c *Context) run(job *types.Job, task *types.Task, index int, argv []string, env []string, grace time.Duration) executor.ExitResult {
	result, _ := c.runner().Run(argv, env, c.streamTo(job, index), c.Cancel, grace)
	return result
}

// runWithDeadline behaves like run, but also terminates the process
// if it has not exited within maxDuration (in addition to responding
// to c.Cancel). A non-positive maxDuration means no deadline.
func (c *Context) runWithDeadline(job *types.Job, task *types.Task, index int, argv []string, env []string, maxDuration, grace time.Duration) executor.ExitResult {
	cancel := c.Cancel
	if maxDuration > 0 {
		cancel = firstOf(c.Cancel, afterTimer(maxDuration))
	}
	result, _ := c.runner().Run(argv, env, c.streamTo(job, index), cancel, grace)
	return result
}

// afterTimer returns a channel that closes once after d elapses.
func afterTimer(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-time.After(d)
		close(ch)
	}()
	return ch
}

// firstOf returns a channel that closes as soon as any of chans
// closes or sends. Nil channels are ignored.
func firstOf(chans ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	fire := func() { once.Do(func() { close(out) }) }

	active := 0
	for _, c := range chans {
		if c == nil {
			continue
		}
		active++
		go func(c <-chan struct{}) {
			<-c
			fire()
		}(c)
	}
	if active == 0 {
		close(out)
	}
	return out
}

// recordExit stores the process's exit code and, on failure, an error
// message on task, returning whether the task succeeded.
func recordExit(task *types.Task, result executor.ExitResult, label string) bool {
	code := result.Code
	task.ExitCode = &code
	if result.Err != nil {
		task.Error = result.Err.Error()
		return false
	}
	if result.Code != 0 {
		task.Error = fmt.Sprintf("%s exited %d", label, result.Code)
		return false
	}
	return true
}

// decodeParams round-trips params through YAML into out, reusing the
// same decoder the configuration subsystem uses for schedule specs so
// a task's parameter bag and its typed struct stay in lockstep.
func decodeParams(params map[string]any, out any) error {
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("tasks: marshal parameters: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tasks: decode parameters: %w", err)
	}
	return nil
}

// Executor runs a single task and reports whether it succeeded. On
// failure it should set task.Error (and task.ExitCode, if a child
// process was involved) before returning false.
type Executor interface {
	Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool
}
