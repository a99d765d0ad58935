package jobmanager

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/archivist/pkg/events"
	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/output"
	"github.com/cuemby/archivist/pkg/pathutil"
	"github.com/cuemby/archivist/pkg/queue"
	"github.com/cuemby/archivist/pkg/runner"
	"github.com/cuemby/archivist/pkg/security"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/tasks"
	"github.com/cuemby/archivist/pkg/types"
)

// ErrJobNotFound is returned when an operation addresses a job id the
// manager has no live or persisted record of.
var ErrJobNotFound = errors.New("jobmanager: job not found")

// ErrNoTasks is returned by CreateCompositeJob when given an empty
// task list; a composite job with nothing to run is never valid.
var ErrNoTasks = errors.New("jobmanager: composite job requires at least one task")

// Config wires every collaborator the Manager needs. A nil Store
// means nothing is persisted; a nil Registry becomes
// tasks.NewRegistry() and a zero JobManager becomes
// types.DefaultJobManagerConfig(). Secrets and Paths stay nil when
// left unset.
type Config struct {
	JobManager types.JobManagerConfig
	Store      storage.Store
	Secrets    *security.SecretsManager
	Paths      *pathutil.Service
	Registry   *tasks.Registry
}

// jobState is the live, in-memory record of a job still tracked by the
// manager: its mutable *types.Job (the same pointer the runner walks),
// the channel that requests its cancellation, and which pool it rides
// if still queued or running.
type jobState struct {
	job        *types.Job
	cancel     chan struct{}
	cancelOnce sync.Once
	pool       queue.Pool
	started    bool
}

// Manager is the composite-job facade: admission, execution, output,
// and events, all addressed by job id.
type Manager struct {
	cfg      types.JobManagerConfig
	store    storage.Store
	secrets  *security.SecretsManager
	paths    *pathutil.Service
	registry *tasks.Registry

	queue  *queue.Manager
	runner *runner.Runner
	output *output.Manager
	events *events.Broadcaster

	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[types.JobID]*jobState
}

// New builds a Manager and every collaborator it owns, wiring the
// queue's admission callback to the runner. Call Start before
// enqueuing any work.
func New(cfg Config) *Manager {
	jmCfg := cfg.JobManager
	if jmCfg == (types.JobManagerConfig{}) {
		jmCfg = types.DefaultJobManagerConfig()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = tasks.NewRegistry()
	}

	out := output.New(jmCfg.MaxOutputLinesPerJob)
	broker := events.New(events.Config{
		SubscriberQueueSize: jmCfg.SSEMaxQueueSize,
		KeepAliveInterval:   jmCfg.SSEKeepaliveTimeout,
	})
	r := runner.New(registry, cfg.Store, out, broker)

	m := &Manager{
		cfg:      jmCfg,
		store:    cfg.Store,
		secrets:  cfg.Secrets,
		paths:    cfg.Paths,
		registry: registry,
		runner:   r,
		output:   out,
		events:   broker,
		logger:   log.WithComponent("jobmanager"),
		jobs:     make(map[types.JobID]*jobState),
	}

	m.queue = queue.New(queue.Config{
		BackupCapacity:    jmCfg.MaxConcurrentBackups,
		OperationCapacity: jmCfg.MaxConcurrentOperations,
		PollInterval:      jmCfg.QueuePollInterval,
	}, m.onAdmit, m.onComplete)

	return m
}

// Start brings up the event broadcaster and the queue's dispatch
// loop, and recovers any jobs left running by a prior, uncleanly
// stopped process.
func (m *Manager) Start() {
	m.events.Start()
	if m.store != nil {
		recovered, err := m.store.RecoverInterruptedJobs()
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to recover interrupted jobs")
		} else if recovered > 0 {
			metrics.RecoveredJobsTotal.Add(float64(recovered))
			m.logger.Warn().Int("count", recovered).Msg("recovered interrupted jobs from a prior run")
		}
	}
	m.queue.Start()
}

// Stop halts the dispatch loop and the event broadcaster. It does not
// wait for in-flight jobs to finish; cancel them first if that
// matters to the caller.
func (m *Manager) Stop() {
	m.queue.Stop()
	m.events.Stop()
}

// CreateCompositeJob builds and persists a new job from taskDefs,
// then admits it into the backup or operation pool depending on
// whether any task is a backup task. It returns the new job's id.
func (m *Manager) CreateCompositeJob(kind string, taskDefs []types.TaskDefinition, repositoryID *int64, scheduleID *int64, cloudSyncConfigID *int64, priority types.Priority) (types.JobID, error) {
	if len(taskDefs) == 0 {
		return types.JobID{}, ErrNoTasks
	}

	job := &types.Job{
		ID:                types.NewJobID(),
		RepositoryID:      repositoryID,
		Kind:              kind,
		Status:            types.JobPending,
		Tasks:             buildTasks(taskDefs),
		CurrentTaskIndex:  -1,
		ScheduleID:        scheduleID,
		CloudSyncConfigID: cloudSyncConfigID,
	}
	if priority == "" {
		priority = types.PriorityNormal
	}

	return job.ID, m.admitNewJob(job, priority)
}

// StartBorgCommand runs a single ad-hoc archival command as a
// one-task composite job, routed into the backup pool when isBackup
// is set and the operation pool otherwise.
func (m *Manager) StartBorgCommand(argv []string, env map[string]string, isBackup bool) (types.JobID, error) {
	if len(argv) == 0 {
		return types.JobID{}, fmt.Errorf("jobmanager: command requires a non-empty argv")
	}

	kind := "operation"
	pool := queue.PoolOperation
	if isBackup {
		kind = "backup"
		pool = queue.PoolBackup
	}

	job := &types.Job{
		ID:     types.NewJobID(),
		Kind:   kind,
		Status: types.JobPending,
		Tasks: []types.Task{{
			OrderIndex: 0,
			Kind:       types.TaskCommand,
			Name:       "command",
			Status:     types.TaskPending,
			Parameters: map[string]any{"argv": argv, "env": env},
		}},
		CurrentTaskIndex: -1,
	}

	return job.ID, m.admitNewJobWithPool(job, types.PriorityNormal, pool)
}

func (m *Manager) admitNewJob(job *types.Job, priority types.Priority) error {
	return m.admitNewJobWithPool(job, priority, poolForTasks(job.Tasks))
}

func (m *Manager) admitNewJobWithPool(job *types.Job, priority types.Priority, pool queue.Pool) error {
	if m.store != nil {
		if err := m.store.CreateJob(job); err != nil {
			return fmt.Errorf("jobmanager: persist new job: %w", err)
		}
	}
	m.output.Create(job.ID)

	state := &jobState{job: job, cancel: make(chan struct{}), pool: pool}
	m.mu.Lock()
	m.jobs[job.ID] = state
	m.mu.Unlock()

	job.Status = types.JobQueued
	if m.store != nil {
		if _, err := m.store.UpdateJobStatus(job.ID, types.JobQueued, nil, ""); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist queued status")
		}
	}
	m.events.Publish(types.Event{Type: types.EventQueued, JobID: &job.ID, Data: map[string]any{"kind": job.Kind}})

	if !m.queue.Enqueue(job.ID, pool, priority, nil) {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: queue backlog is full")
	}
	return nil
}

// onAdmit is the queue's admission callback: it marks the job started
// and hands it to the runner on its own goroutine so dispatch never
// blocks on a running job.
func (m *Manager) onAdmit(jobID types.JobID, record *queue.Record) {
	m.mu.Lock()
	state, ok := m.jobs[jobID]
	if ok {
		state.started = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.events.Publish(types.Event{Type: types.EventAdmitted, JobID: &jobID})
	go m.runJob(state)
}

func (m *Manager) runJob(state *jobState) {
	taskCtx, err := m.buildTaskContext(state.job, state.cancel)
	if err != nil {
		state.job.Status = types.JobFailed
		state.job.Error = err.Error()
		if m.store != nil {
			if _, uerr := m.store.UpdateJobStatus(state.job.ID, types.JobFailed, nil, err.Error()); uerr != nil {
				m.logger.Error().Err(uerr).Str("job_id", state.job.ID.String()).Msg("failed to persist context build failure")
			}
		}
		m.events.Publish(types.Event{Type: types.EventJobFailed, JobID: &state.job.ID, Data: map[string]any{"error": err.Error()}})
		m.queue.Complete(state.job.ID, state.pool, false)
		return
	}

	m.runner.Run(state.job, taskCtx, state.cancel)
	m.queue.Complete(state.job.ID, state.pool, state.job.Status == types.JobCompleted)
}

// onComplete is the queue's completion callback. For a job that was
// actually dispatched to the runner, the runner has already persisted
// and published its terminal state, so there is nothing left to do.
// For a job cancelled while still queued, the runner never ran it, so
// the manager records the stop itself.
func (m *Manager) onComplete(jobID types.JobID, _ bool) {
	m.mu.Lock()
	state, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok || state.started {
		return
	}

	now := time.Now()
	finishedAt := now.Unix()
	state.job.Status = types.JobStopped
	state.job.FinishedAt = &now
	if m.store != nil {
		if _, err := m.store.UpdateJobStatus(jobID, types.JobStopped, &finishedAt, ""); err != nil {
			m.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to persist pre-admission cancellation")
		}
	}
	m.events.Publish(types.Event{Type: types.EventJobStopped, JobID: &jobID})
}

// buildTaskContext resolves the job's repository (decrypting its
// passphrase, if any) and assembles the collaborators every task
// executor needs.
func (m *Manager) buildTaskContext(job *types.Job, cancel <-chan struct{}) (*tasks.Context, error) {
	ctx := &tasks.Context{
		Paths:            m.paths,
		Output:           m.output,
		Events:           m.events,
		Secrets:          m.secrets,
		CloudSyncConfigs: m.store,
		HookEnvPrefix:    m.cfg.HookEnvPrefix,
		ExtraEnv:         map[string]string{},
		Cancel:           cancel,
	}

	if job.RepositoryID != nil && m.store != nil {
		repo, err := m.store.GetRepository(*job.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("resolve repository %d: %w", *job.RepositoryID, err)
		}
		ctx.Repository = repo
		ctx.ExtraEnv["repository_name"] = repo.Name
		ctx.ExtraEnv["repository_id"] = strconv.FormatInt(repo.ID, 10)

		if len(repo.EncPassphrase) > 0 && m.secrets != nil {
			plain, err := m.secrets.Decrypt(repo.EncPassphrase)
			if err != nil {
				return nil, fmt.Errorf("decrypt repository passphrase: %w", err)
			}
			ctx.Passphrase = string(plain)
		}
	}
	if job.ScheduleID != nil {
		ctx.ExtraEnv["schedule_id"] = strconv.FormatInt(*job.ScheduleID, 10)
	}

	return ctx, nil
}

// RegisterExternalJob adopts a job driven by a caller outside the
// queue/runner pipeline: it is already running the instant it is
// registered, with a single info-kind task standing in for whatever
// the caller is actually doing. Use CompleteExternalTask to report
// its outcome.
func (m *Manager) RegisterExternalJob(jobID types.JobID, kind string, name string) error {
	startedAt := time.Now()
	job := &types.Job{
		ID:        jobID,
		Kind:      kind,
		Status:    types.JobRunning,
		StartedAt: startedAt,
		Tasks: []types.Task{{
			OrderIndex: 0,
			Kind:       types.TaskInfo,
			Name:       name,
			Status:     types.TaskRunning,
			StartedAt:  &startedAt,
		}},
		CurrentTaskIndex: 0,
	}

	if m.store != nil {
		if err := m.store.CreateJob(job); err != nil {
			return fmt.Errorf("jobmanager: persist external job: %w", err)
		}
	}
	m.output.Create(jobID)

	m.mu.Lock()
	m.jobs[jobID] = &jobState{job: job, cancel: make(chan struct{}), started: true}
	m.mu.Unlock()

	m.events.Publish(types.Event{Type: types.EventJobStarted, JobID: &jobID, Data: map[string]any{"kind": kind}})
	return nil
}

// CompleteExternalTask reports the outcome of an externally-registered
// job's single task, mirroring it onto the job's overall status.
func (m *Manager) CompleteExternalTask(jobID types.JobID, success bool, errMsg string) error {
	m.mu.Lock()
	state, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	finishedAt := time.Now()
	taskStatus := types.TaskCompleted
	jobStatus := types.JobCompleted
	if !success {
		taskStatus = types.TaskFailed
		jobStatus = types.JobFailed
	}

	state.job.Tasks[0].Status = taskStatus
	state.job.Tasks[0].FinishedAt = &finishedAt
	state.job.Tasks[0].Error = errMsg
	state.job.Status = jobStatus
	state.job.FinishedAt = &finishedAt
	state.job.Error = errMsg

	if m.store != nil {
		if err := m.store.SaveTasks(jobID, state.job.Tasks); err != nil {
			m.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to persist external task completion")
		}
		unixFinished := finishedAt.Unix()
		if _, err := m.store.UpdateJobStatus(jobID, jobStatus, &unixFinished, errMsg); err != nil {
			m.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to persist external job completion")
		}
	}

	metrics.JobsTotal.WithLabelValues(state.job.Kind, string(jobStatus)).Inc()

	eventType := types.EventJobCompleted
	if !success {
		eventType = types.EventJobFailed
	}
	m.events.Publish(types.Event{Type: eventType, JobID: &jobID, Data: map[string]any{"status": string(jobStatus)}})
	return nil
}

// AddExternalJobOutput appends a line to an externally-driven job's
// output buffer and publishes it as a task-output event.
func (m *Manager) AddExternalJobOutput(jobID types.JobID, line string, stream types.StreamTag) {
	m.output.Append(jobID, line, stream, 0)
	idx := 0
	m.events.Publish(types.Event{
		Type:      types.EventTaskOutput,
		JobID:     &jobID,
		TaskIndex: &idx,
		Data:      map[string]any{"line": line, "stream": string(stream)},
	})
}

// GetJobStatus returns the job's current state, preferring the live,
// in-memory record over the store's last-persisted snapshot.
func (m *Manager) GetJobStatus(id types.JobID) (*types.Job, error) {
	m.mu.Lock()
	state, ok := m.jobs[id]
	m.mu.Unlock()
	if ok {
		return state.job, nil
	}
	if m.store == nil {
		return nil, ErrJobNotFound
	}
	job, err := m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobOutput returns a snapshot of a job's buffered output, tailN
// most recent lines (0 for everything retained).
func (m *Manager) GetJobOutput(id types.JobID, tailN int) output.Snapshot {
	return m.output.Snapshot(id, tailN)
}

// FollowJobOutput returns a job's output history plus a channel of
// lines appended from this point on. Call the returned cancel func
// when done watching.
func (m *Manager) FollowJobOutput(id types.JobID) ([]types.OutputLine, <-chan types.OutputLine, func()) {
	return m.output.Follow(id)
}

// StreamEvents subscribes to the job/task lifecycle event stream.
// Call Unsubscribe on the returned subscription when done.
func (m *Manager) StreamEvents(sendReplay bool) *events.Subscription {
	return m.events.Subscribe(sendReplay)
}

// CancelJob requests that id stop: if still queued, it is skipped
// before ever running; if already running, its task context's Cancel
// channel is closed so the runner stops at the next task boundary.
// Safe to call more than once for the same job.
func (m *Manager) CancelJob(id types.JobID) error {
	m.mu.Lock()
	state, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	state.cancelOnce.Do(func() { close(state.cancel) })
	m.queue.Cancel(id)
	return nil
}

// CleanupJob drops a job's in-memory state and buffered output. The
// persisted row is left untouched.
func (m *Manager) CleanupJob(id types.JobID) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	m.output.Clear(id)
}

// QueueStats returns the pending/running snapshot for both pools.
func (m *Manager) QueueStats() map[queue.Pool]queue.Stats {
	return m.queue.Stats()
}

// GetStatistics returns repository-level job counters from the store.
func (m *Manager) GetStatistics() (*types.Statistics, error) {
	if m.store == nil {
		return &types.Statistics{}, nil
	}
	return m.store.GetStatistics()
}

func buildTasks(defs []types.TaskDefinition) []types.Task {
	out := make([]types.Task, len(defs))
	for i, d := range defs {
		out[i] = types.Task{
			OrderIndex:        i,
			Kind:              d.Kind,
			Name:              d.Name,
			Status:            types.TaskPending,
			ContinueOnFailure: d.ContinueOnFailure,
			Parameters:        d.Parameters,
		}
	}
	return out
}

func poolForTasks(taskList []types.Task) queue.Pool {
	for _, t := range taskList {
		if t.Kind == types.TaskBackup {
			return queue.PoolBackup
		}
	}
	return queue.PoolOperation
}
