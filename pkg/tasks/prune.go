package tasks

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// PruneExecutor removes archives that fall outside a retention policy.
type PruneExecutor struct{}

// Execute builds a `borg prune` invocation from PruneParams.
func (PruneExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.PruneParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}

	argv := []string{"borg", "prune"}
	r := params.Retention
	if r.KeepWithinDays > 0 {
		argv = append(argv, "--keep-within", fmt.Sprintf("%dd", r.KeepWithinDays))
	}
	if r.KeepDaily > 0 {
		argv = append(argv, "--keep-daily", strconv.Itoa(r.KeepDaily))
	}
	if r.KeepWeekly > 0 {
		argv = append(argv, "--keep-weekly", strconv.Itoa(r.KeepWeekly))
	}
	if r.KeepMonthly > 0 {
		argv = append(argv, "--keep-monthly", strconv.Itoa(r.KeepMonthly))
	}
	if r.KeepYearly > 0 {
		argv = append(argv, "--keep-yearly", strconv.Itoa(r.KeepYearly))
	}
	if params.ShowList {
		argv = append(argv, "--list")
	}
	if params.ShowStats {
		argv = append(argv, "--stats")
	}
	if params.SaveSpace {
		argv = append(argv, "--save-space")
	}
	argv = append(argv, ctx.Repository.Path)

	result := ctx.run(job, task, index, argv, ctx.repositoryEnv(), 10*time.Second)
	return recordExit(task, result, "borg prune")
}
