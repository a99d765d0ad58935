package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/archivist/pkg/jobmanager"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/types"
)

func TestBuildTaskDefinitions_FullSpec(t *testing.T) {
	spec := types.ScheduleSpec{
		Priority: types.PriorityHigh,
		PreHooks: []types.HookParams{{Name: "pre", Command: "echo pre"}},
		Backup:   &types.BackupParams{SourcePaths: []string{"/srv/data"}, ArchiveName: "nightly"},
		Prune:    &types.PruneParams{Retention: types.RetentionPolicy{KeepDaily: 7}},
		Check:    &types.CheckParams{Type: types.CheckRepository},
		Notification: &types.NotifyParams{
			Provider: "webhook",
			Title:    "backup finished",
		},
		PostHooks: []types.HookParams{{Name: "post", Command: "echo post"}},
	}

	defs, err := buildTaskDefinitions(spec)
	require.NoError(t, err)
	require.Len(t, defs, 6)

	assert.Equal(t, types.TaskHook, defs[0].Kind)
	assert.Equal(t, "pre", defs[0].Name)
	assert.Equal(t, types.TaskBackup, defs[1].Kind)
	assert.Equal(t, types.TaskPrune, defs[2].Kind)
	assert.Equal(t, types.TaskCheck, defs[3].Kind)
	assert.Equal(t, types.TaskNotification, defs[4].Kind)
	assert.Equal(t, types.TaskHook, defs[5].Kind)
	assert.Equal(t, "post", defs[5].Name)

	assert.Equal(t, []any{"/srv/data"}, defs[1].Parameters["source_paths"])
}

func TestBuildTaskDefinitions_EmptySpecErrors(t *testing.T) {
	_, err := buildTaskDefinitions(types.ScheduleSpec{})
	assert.Error(t, err)
}

func newTestStoreAndManager(t *testing.T) (storage.Store, *jobmanager.Manager) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := jobmanager.New(jobmanager.Config{Store: store})
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return store, mgr
}

func TestFire_EnqueuesAndMarksRunning(t *testing.T) {
	_, mgr := newTestStoreAndManager(t)
	s := New(nil, mgr)

	sched := &types.Schedule{
		ID:           1,
		RepositoryID: 10,
		CronExpr:     "* * * * *",
		Enabled:      true,
		Spec: types.ScheduleSpec{
			Priority: types.PriorityNormal,
			Backup:   &types.BackupParams{SourcePaths: []string{"/srv/data"}},
		},
	}

	s.fire(sched)

	s.mu.Lock()
	jobID, busy := s.running[sched.ID]
	s.mu.Unlock()
	assert.True(t, busy)

	job, err := mgr.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", job.Kind)
}

func TestFire_CoalescesWhilePreviousInstanceRuns(t *testing.T) {
	_, mgr := newTestStoreAndManager(t)
	s := New(nil, mgr)

	sched := &types.Schedule{
		ID:       2,
		CronExpr: "* * * * *",
		Enabled:  true,
		Spec: types.ScheduleSpec{
			Backup: &types.BackupParams{SourcePaths: []string{"/srv/data"}},
		},
	}

	s.mu.Lock()
	s.running[sched.ID] = types.NewJobID()
	s.mu.Unlock()

	before := len(s.running)
	s.fire(sched)
	s.mu.Lock()
	after := len(s.running)
	s.mu.Unlock()

	assert.Equal(t, before, after)
}

func TestWatchCompletions_ClearsRunningOnTerminalEvent(t *testing.T) {
	store, mgr := newTestStoreAndManager(t)
	s := New(store, mgr)
	s.Start()
	defer s.Stop()

	sched := &types.Schedule{
		ID:       3,
		CronExpr: "* * * * *",
		Enabled:  true,
		Spec: types.ScheduleSpec{
			Backup: &types.BackupParams{SourcePaths: []string{"/srv/data"}},
		},
	}
	s.fire(sched)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, busy := s.running[sched.ID]
		s.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("schedule was never cleared from the running set")
}
