package storage

import (
	"github.com/cuemby/archivist/pkg/types"
)

// Store is the persistence contract the job manager core depends on.
// BoltStore is its only implementation, and the tests use it too.
type Store interface {
	// CreateJob atomically inserts the job row and all its task rows,
	// each with the status it was given.
	CreateJob(job *types.Job) error

	// UpdateJobStatus updates a single job row and reports whether a
	// row was changed.
	UpdateJobStatus(id types.JobID, status types.JobStatus, finishedAt *int64, errMsg string) (bool, error)

	// SaveTasks overwrites the task rows for a job, preserving order
	// indices. Used after a job runs to persist accumulated output
	// and timings.
	SaveTasks(jobID types.JobID, tasks []types.Task) error

	GetJob(id types.JobID) (*types.Job, error)
	GetJobsByRepository(repoID int64, limit int, kind string) ([]*types.Job, error)
	GetRepository(id int64) (*types.Repository, error)
	GetStatistics() (*types.Statistics, error)

	GetSchedule(id int64) (*types.Schedule, error)
	ListEnabledSchedules() ([]*types.Schedule, error)

	GetCloudSyncConfig(id int64) (*types.CloudSyncConfig, error)

	// RecoverInterruptedJobs marks every job found in a non-terminal
	// status as failed with error "interrupted". Run once at startup
	// before the manager accepts new work.
	RecoverInterruptedJobs() (int, error)

	Close() error
}
