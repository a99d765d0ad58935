package tasks

import (
	"strconv"
	"time"

	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/types"
)

// CheckExecutor verifies repository and archive integrity, optionally
// attempting a repair.
type CheckExecutor struct{}

// Execute builds a `borg check` invocation from CheckParams. Repair
// mode requires an explicit confirmation token on the task's
// parameters; if it is missing, the check silently downgrades to a
// non-repairing run and logs a warning rather than failing the task.
func (CheckExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.CheckParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}

	if params.RepairMode && params.RepairConfirmToken == "" {
		log.WithTask(job.ID.String(), index).Warn().
			Str("task", task.Name).
			Msg("check task requested repair mode without a confirmation token; downgrading to a non-repairing check")
		params.RepairMode = false
	}

	argv := []string{"borg", "check"}
	switch params.Type {
	case types.CheckArchives:
		argv = append(argv, "--archives-only")
	case types.CheckRepository:
		argv = append(argv, "--repository-only")
	case types.CheckFull:
		// both repository and archives are checked by default
	}
	if params.VerifyData {
		argv = append(argv, "--verify-data")
	}
	if params.RepairMode {
		argv = append(argv, "--repair")
	}
	if params.SaveSpace {
		argv = append(argv, "--save-space")
	}
	if params.ArchivePrefix != "" {
		argv = append(argv, "--glob-archives", params.ArchivePrefix+"*")
	}
	if params.ArchiveGlob != "" {
		argv = append(argv, "--glob-archives", params.ArchiveGlob)
	}
	if params.FirstN > 0 {
		argv = append(argv, "--first", strconv.Itoa(params.FirstN))
	}
	if params.LastN > 0 {
		argv = append(argv, "--last", strconv.Itoa(params.LastN))
	}
	argv = append(argv, ctx.Repository.Path)

	result := ctx.runWithDeadline(job, task, index, argv, ctx.repositoryEnv(), params.MaxDuration, 30*time.Second)
	return recordExit(task, result, "borg check")
}
