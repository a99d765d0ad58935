// Package scheduler turns persisted schedule rows into job-creation
// calls at the right wall-clock time. Each enabled schedule becomes
// one robfig/cron entry; fires are coalesced against the manager's
// live job state so a schedule whose previous instance is still
// running gets its new fire recorded as missed instead of enqueued.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/archivist/pkg/jobmanager"
	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/types"
)

// reloadInterval is how often enabled schedule rows are re-read so
// additions, removals, and cron-expression edits take effect without
// a restart.
const reloadInterval = 15 * time.Second

// Scheduler fires composite jobs from persisted schedule rows on
// their cron trigger, one robfig/cron entry per enabled schedule.
type Scheduler struct {
	store   storage.Store
	manager *jobmanager.Manager
	logger  zerolog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[int64]scheduledEntry // schedule id -> its cron entry
	running map[int64]types.JobID    // schedule id -> in-flight job, if any
	byJob   map[types.JobID]int64    // reverse lookup for completion events

	stopCh chan struct{}
	doneCh chan struct{}
}

type scheduledEntry struct {
	id       cron.EntryID
	cronExpr string
}

// New creates a Scheduler. Call Start to begin firing schedules.
func New(store storage.Store, manager *jobmanager.Manager) *Scheduler {
	return &Scheduler{
		store:   store,
		manager: manager,
		logger:  log.WithComponent("scheduler"),
		cron:    cron.New(),
		entries: make(map[int64]scheduledEntry),
		running: make(map[int64]types.JobID),
		byJob:   make(map[types.JobID]int64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start brings up the completion watcher, loads the current schedule
// set, and starts the cron runner and the reload loop.
func (s *Scheduler) Start() {
	go s.watchCompletions()
	s.reload()
	s.cron.Start()
	go s.reloadLoop()
}

// Stop halts the reload loop and the cron runner. Jobs already fired
// continue running; cancel them through the job manager if needed.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	<-s.cron.Stop().Done()
}

func (s *Scheduler) reloadLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reload()
		}
	}
}

// reload reconciles the cron entry set against the store's currently
// enabled schedules: new schedules are added, disabled or deleted
// ones are removed, and edited cron expressions are re-registered.
func (s *Scheduler) reload() {
	schedules, err := s.store.ListEnabledSchedules()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list enabled schedules")
		return
	}

	seen := make(map[int64]bool, len(schedules))
	for _, sched := range schedules {
		seen[sched.ID] = true

		s.mu.Lock()
		existing, ok := s.entries[sched.ID]
		s.mu.Unlock()

		if ok && existing.cronExpr == sched.CronExpr {
			continue
		}
		if ok {
			s.cron.Remove(existing.id)
		}

		sched := sched
		entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.fire(sched) })
		if err != nil {
			s.logger.Error().Err(err).Int64("schedule_id", sched.ID).Str("cron_expr", sched.CronExpr).Msg("invalid cron expression")
			continue
		}

		s.mu.Lock()
		s.entries[sched.ID] = scheduledEntry{id: entryID, cronExpr: sched.CronExpr}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for id, entry := range s.entries {
		if !seen[id] {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
}

// fire enqueues sched's job, or records the fire as missed if the
// schedule's previous instance is still running.
func (s *Scheduler) fire(sched *types.Schedule) {
	s.mu.Lock()
	_, busy := s.running[sched.ID]
	s.mu.Unlock()
	if busy {
		metrics.ScheduleFiresTotal.WithLabelValues(fmt.Sprintf("%d", sched.ID), "missed").Inc()
		s.logger.Warn().Int64("schedule_id", sched.ID).Msg("schedule fire coalesced: previous instance still running")
		return
	}

	taskDefs, err := buildTaskDefinitions(sched.Spec)
	if err != nil {
		s.logger.Error().Err(err).Int64("schedule_id", sched.ID).Msg("failed to build task list from schedule spec")
		return
	}

	repositoryID := sched.RepositoryID
	var cloudSyncConfigID *int64
	if sched.Spec.CloudSync != nil {
		id := sched.Spec.CloudSync.CloudSyncConfigID
		cloudSyncConfigID = &id
	}

	scheduleID := sched.ID
	jobID, err := s.manager.CreateCompositeJob("scheduled", taskDefs, &repositoryID, &scheduleID, cloudSyncConfigID, sched.Spec.Priority)
	if err != nil {
		metrics.ScheduleFiresTotal.WithLabelValues(fmt.Sprintf("%d", sched.ID), "rejected").Inc()
		s.logger.Error().Err(err).Int64("schedule_id", sched.ID).Msg("failed to enqueue scheduled job")
		return
	}

	s.mu.Lock()
	s.running[sched.ID] = jobID
	s.byJob[jobID] = sched.ID
	s.mu.Unlock()

	metrics.ScheduleFiresTotal.WithLabelValues(fmt.Sprintf("%d", sched.ID), "enqueued").Inc()
	s.logger.Info().Int64("schedule_id", sched.ID).Str("job_id", jobID.String()).Msg("scheduled job enqueued")
}

// watchCompletions clears a schedule's running marker once its job
// reaches a terminal status, so the next fire is no longer coalesced.
func (s *Scheduler) watchCompletions() {
	sub := s.manager.StreamEvents(false)
	defer sub.Unsubscribe()

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.JobID == nil {
				continue
			}
			switch event.Type {
			case types.EventJobCompleted, types.EventJobFailed, types.EventJobStopped:
				s.mu.Lock()
				if schedID, ok := s.byJob[*event.JobID]; ok {
					delete(s.byJob, *event.JobID)
					delete(s.running, schedID)
				}
				s.mu.Unlock()
			}
		}
	}
}

// buildTaskDefinitions expands a schedule's template spec into the
// ordered task list a composite job is built from: pre-hooks, then
// whichever of backup/prune/check/cloud-sync/notification the spec
// configures, then post-hooks.
func buildTaskDefinitions(spec types.ScheduleSpec) ([]types.TaskDefinition, error) {
	var defs []types.TaskDefinition

	for _, hook := range spec.PreHooks {
		params, err := toParameterBag(hook)
		if err != nil {
			return nil, fmt.Errorf("pre-hook %q: %w", hook.Name, err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskHook, Name: hook.Name, ContinueOnFailure: hook.ContinueOnFailure, Parameters: params})
	}

	if spec.Backup != nil {
		params, err := toParameterBag(*spec.Backup)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskBackup, Name: "backup", Parameters: params})
	}

	if spec.Prune != nil {
		params, err := toParameterBag(*spec.Prune)
		if err != nil {
			return nil, fmt.Errorf("prune: %w", err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskPrune, Name: "prune", Parameters: params})
	}

	if spec.Check != nil {
		params, err := toParameterBag(*spec.Check)
		if err != nil {
			return nil, fmt.Errorf("check: %w", err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskCheck, Name: "check", Parameters: params})
	}

	if spec.CloudSync != nil {
		params, err := toParameterBag(*spec.CloudSync)
		if err != nil {
			return nil, fmt.Errorf("cloud-sync: %w", err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskCloudSync, Name: "cloud-sync", Parameters: params})
	}

	if spec.Notification != nil {
		params, err := toParameterBag(*spec.Notification)
		if err != nil {
			return nil, fmt.Errorf("notification: %w", err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskNotification, Name: "notification", ContinueOnFailure: true, Parameters: params})
	}

	for _, hook := range spec.PostHooks {
		params, err := toParameterBag(hook)
		if err != nil {
			return nil, fmt.Errorf("post-hook %q: %w", hook.Name, err)
		}
		defs = append(defs, types.TaskDefinition{Kind: types.TaskHook, Name: hook.Name, ContinueOnFailure: hook.ContinueOnFailure, Parameters: params})
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("schedule spec configures no tasks")
	}
	return defs, nil
}

// toParameterBag round-trips a typed params struct through YAML into
// a map[string]any, the same representation pkg/tasks decodes task
// parameters from.
func toParameterBag(v any) (map[string]any, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
