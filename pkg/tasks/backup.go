package tasks

import (
	"fmt"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// BackupExecutor creates an archive from a set of source paths.
type BackupExecutor struct{}

// Execute builds a `borg create` invocation from BackupParams and
// streams its output into the job's buffer.
func (BackupExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.BackupParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}
	if len(params.SourcePaths) == 0 {
		task.Error = "backup task has no source paths"
		return false
	}

	archiveName := params.ArchiveName
	if archiveName == "" {
		archiveName = "{now:2006-01-02T15:04:05}"
	}

	argv := []string{"borg", "create", "--stats"}
	if params.DryRun {
		argv = append(argv, "--dry-run")
	}
	if params.Compression != "" {
		argv = append(argv, "--compression", params.Compression)
	}
	for _, excl := range params.Excludes {
		argv = append(argv, "--exclude", excl)
	}
	argv = append(argv, fmt.Sprintf("%s::%s", ctx.Repository.Path, archiveName))
	argv = append(argv, params.SourcePaths...)

	result := ctx.run(job, task, index, argv, ctx.repositoryEnv(), 10*time.Second)
	if !recordExit(task, result, "borg create") {
		return false
	}

	if ctx.Events != nil {
		idx := index
		ctx.Events.Publish(types.Event{
			Type:      types.EventTaskCompleted,
			JobID:     &job.ID,
			TaskIndex: &idx,
			Data:      map[string]any{"archive": archiveName, "dry_run": params.DryRun},
		})
	}
	return true
}
