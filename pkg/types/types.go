package types

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the overall lifecycle status of a composite job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// Terminal reports whether the status is one a job never leaves.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobStopped:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle status of a single task within a job.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is one a task never leaves.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskStopped:
		return true
	default:
		return false
	}
}

// TaskKind identifies which executor handles a task.
type TaskKind string

const (
	TaskBackup       TaskKind = "backup"
	TaskPrune        TaskKind = "prune"
	TaskCheck        TaskKind = "check"
	TaskCloudSync    TaskKind = "cloud_sync"
	TaskNotification TaskKind = "notification"
	TaskHook         TaskKind = "hook"
	TaskCommand      TaskKind = "command"
	TaskInfo         TaskKind = "info"
)

// Priority is the admission priority of a queued job.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities from most to least urgent, lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// StreamTag identifies which child-process stream an output line came from.
type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
	StreamMeta   StreamTag = "meta"
)

// JobID is a 128-bit job identifier canonicalized as 32 lowercase hex
// characters with no separators, per spec.md section 3.
type JobID [16]byte

// NewJobID generates a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.New())
}

// String renders the canonical 32-hex-no-dashes form.
func (id JobID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseJobID accepts both the canonical 32-hex form and legacy
// dash-separated UUID strings, normalizing either to a JobID.
func ParseJobID(s string) (JobID, error) {
	cleaned := strings.ReplaceAll(s, "-", "")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return JobID{}, err
	}
	var id JobID
	if len(raw) != len(id) {
		return JobID{}, errInvalidJobID
	}
	copy(id[:], raw)
	return id, nil
}

// OutputLine is one line of captured child-process output.
type OutputLine struct {
	Sequence uint64
	Stream   StreamTag
	Text     string
	Time     time.Time
}

// Task is a single unit of work inside a composite job.
type Task struct {
	OrderIndex        int
	Kind              TaskKind
	Name              string
	Status            TaskStatus
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ExitCode          *int
	Error             string
	ContinueOnFailure bool
	Parameters        map[string]any
	Output            []OutputLine
}

// Job is a composite job: an ordered, immutable-after-creation list of
// tasks executed sequentially by one worker.
type Job struct {
	ID                JobID
	RepositoryID      *int64
	Kind              string
	Status            JobStatus
	StartedAt         time.Time
	FinishedAt        *time.Time
	Error             string
	Tasks             []Task
	CurrentTaskIndex  int
	ScheduleID        *int64
	CloudSyncConfigID *int64
}

// CurrentTask returns the task at CurrentTaskIndex, if any.
func (j *Job) CurrentTask() *Task {
	if j.CurrentTaskIndex < 0 || j.CurrentTaskIndex >= len(j.Tasks) {
		return nil
	}
	return &j.Tasks[j.CurrentTaskIndex]
}

// Repository is a registered archival repository. Owned by the
// configuration subsystem; the core only ever reads it.
type Repository struct {
	ID            int64
	Name          string
	Path          string
	EncPassphrase []byte
	EncKeyfile    []byte
	HasKeyfile    bool
}

// Schedule is a persisted cron-like trigger bound to a repository and a
// template task-list specification. Owned by the configuration
// subsystem; the Scheduler is the only core component that reads it.
type Schedule struct {
	ID           int64
	RepositoryID int64
	CronExpr     string
	Enabled      bool
	Spec         ScheduleSpec
}

// ScheduleSpec is the template the Scheduler expands into a task
// definition list at fire time. It is typically decoded from the
// spec_json column via YAML/JSON (both are handled by yaml.v3).
type ScheduleSpec struct {
	Priority     Priority         `yaml:"priority"`
	Backup       *BackupParams    `yaml:"backup,omitempty"`
	Prune        *PruneParams     `yaml:"prune,omitempty"`
	Check        *CheckParams     `yaml:"check,omitempty"`
	CloudSync    *CloudSyncParams `yaml:"cloud_sync,omitempty"`
	Notification *NotifyParams    `yaml:"notification,omitempty"`
	PreHooks     []HookParams     `yaml:"pre_hooks,omitempty"`
	PostHooks    []HookParams     `yaml:"post_hooks,omitempty"`
}

// BackupParams configures a backup task.
type BackupParams struct {
	SourcePaths []string `yaml:"source_paths"`
	Excludes    []string `yaml:"excludes,omitempty"`
	Compression string   `yaml:"compression,omitempty"`
	ArchiveName string   `yaml:"archive_name"`
	DryRun      bool     `yaml:"dry_run,omitempty"`
}

// RetentionPolicy configures a prune task's keep rules.
type RetentionPolicy struct {
	KeepWithinDays int `yaml:"keep_within_days,omitempty"`
	KeepDaily      int `yaml:"keep_daily,omitempty"`
	KeepWeekly     int `yaml:"keep_weekly,omitempty"`
	KeepMonthly    int `yaml:"keep_monthly,omitempty"`
	KeepYearly     int `yaml:"keep_yearly,omitempty"`
}

// PruneParams configures a prune task.
type PruneParams struct {
	Retention RetentionPolicy `yaml:"retention"`
	ShowList  bool            `yaml:"show_list,omitempty"`
	ShowStats bool            `yaml:"show_stats,omitempty"`
	SaveSpace bool            `yaml:"save_space,omitempty"`
}

// CheckType selects the scope of an integrity check.
type CheckType string

const (
	CheckRepository CheckType = "repository"
	CheckArchives   CheckType = "archives"
	CheckFull       CheckType = "full"
)

// CheckParams configures a check task.
type CheckParams struct {
	Type               CheckType     `yaml:"type"`
	VerifyData         bool          `yaml:"verify_data,omitempty"`
	RepairMode         bool          `yaml:"repair_mode,omitempty"`
	RepairConfirmToken string        `yaml:"repair_confirm_token,omitempty"`
	SaveSpace          bool          `yaml:"save_space,omitempty"`
	ArchivePrefix      string        `yaml:"archive_prefix,omitempty"`
	ArchiveGlob        string        `yaml:"archive_glob,omitempty"`
	FirstN             int           `yaml:"first_n,omitempty"`
	LastN              int           `yaml:"last_n,omitempty"`
	MaxDuration        time.Duration `yaml:"max_duration,omitempty"`
}

// CloudSyncParams configures a cloud-sync task.
type CloudSyncParams struct {
	Provider          string `yaml:"provider"`
	CloudSyncConfigID int64  `yaml:"cloud_sync_config_id"`
}

// NotifyParams configures a notification task.
type NotifyParams struct {
	Provider        string `yaml:"provider"`
	ConfigID        int64  `yaml:"config_id"`
	Title           string `yaml:"title"`
	MessageTemplate string `yaml:"message_template"`
}

// HookParams configures a hook (pre/post command) task.
type HookParams struct {
	Name              string            `yaml:"name"`
	Shell             string            `yaml:"shell,omitempty"`
	Command           string            `yaml:"command"`
	Timeout           time.Duration     `yaml:"timeout,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	LogOutput         bool              `yaml:"log_output,omitempty"`
	ContinueOnFailure bool              `yaml:"continue_on_failure,omitempty"`
}

// CloudSyncConfig is a registered cloud-sync destination: a provider
// name plus its (encrypted) credential blob. Owned by the
// configuration subsystem; cloud-sync tasks only ever read it.
type CloudSyncConfig struct {
	ID              int64
	Name            string
	Provider        string
	EncCredentials  []byte
	DestinationPath string
}

// Statistics summarizes job history for dashboards and get_statistics.
type Statistics struct {
	TotalJobs     int64
	CompletedJobs int64
	FailedJobs    int64
	StoppedJobs   int64
	ByRepository  map[int64]int64
}

// TaskDefinition is the builder's output: one entry per task to create
// on a new composite job, carrying its typed parameter record as an
// opaque parameter bag (pkg/scheduler encodes it, pkg/tasks decodes it).
type TaskDefinition struct {
	Kind              TaskKind
	Name              string
	ContinueOnFailure bool
	Parameters        map[string]any
}

// Event is a single entry on the broadcaster's global event stream.
type Event struct {
	Type      EventType
	JobID     *JobID
	TaskIndex *int
	Data      map[string]any
	Timestamp time.Time
}

// EventType enumerates the kinds of events the broadcaster carries.
type EventType string

const (
	EventJobStarted       EventType = "job-started"
	EventJobStatusChanged EventType = "job-status-changed"
	EventJobCompleted     EventType = "job-completed"
	EventJobFailed        EventType = "job-failed"
	EventJobStopped       EventType = "job-stopped"
	EventTaskStarted      EventType = "task-started"
	EventTaskOutput       EventType = "task-output"
	EventTaskCompleted    EventType = "task-completed"
	EventQueued           EventType = "queued"
	EventAdmitted         EventType = "admitted"
	EventKeepAlive        EventType = "keep-alive"
)

// JobManagerConfig holds the tunables enumerated in spec.md section 6.
type JobManagerConfig struct {
	MaxConcurrentBackups     int
	MaxConcurrentOperations  int
	MaxOutputLinesPerJob     int
	QueuePollInterval        time.Duration
	SSEMaxQueueSize          int
	SSEKeepaliveTimeout      time.Duration
	MaxConcurrentCloudUploads int
	HookEnvPrefix            string
}

// DefaultJobManagerConfig returns the defaults from spec.md section 6.
func DefaultJobManagerConfig() JobManagerConfig {
	return JobManagerConfig{
		MaxConcurrentBackups:      5,
		MaxConcurrentOperations:   10,
		MaxOutputLinesPerJob:      1000,
		QueuePollInterval:         100 * time.Millisecond,
		SSEMaxQueueSize:           100,
		SSEKeepaliveTimeout:       30 * time.Second,
		MaxConcurrentCloudUploads: 3,
		HookEnvPrefix:             "JOBMGR_",
	}
}

var errInvalidJobID = invalidJobIDError{}

type invalidJobIDError struct{}

func (invalidJobIDError) Error() string { return "types: invalid job id length" }
