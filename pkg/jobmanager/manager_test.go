package jobmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/archivist/pkg/queue"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := New(Config{Store: store})
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitForTerminal(t *testing.T, m *Manager, id types.JobID) *types.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.GetJobStatus(id)
		require.NoError(t, err)
		if job.Status == types.JobCompleted || job.Status == types.JobFailed || job.Status == types.JobStopped {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status in time")
	return nil
}

func TestStartBorgCommand_RunsAndCompletes(t *testing.T) {
	m := newTestManager(t)

	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "echo hello"}, nil, false)
	require.NoError(t, err)

	job := waitForTerminal(t, m, id)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, "operation", job.Kind)

	snap := m.GetJobOutput(id, 0)
	var lines []string
	for _, l := range snap.Lines {
		lines = append(lines, l.Text)
	}
	assert.Contains(t, lines, "hello")
}

func TestStartBorgCommand_IsBackupRoutesToBackupPool(t *testing.T) {
	m := newTestManager(t)

	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "exit 0"}, nil, true)
	require.NoError(t, err)

	job := waitForTerminal(t, m, id)
	assert.Equal(t, "backup", job.Kind)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestStartBorgCommand_NonZeroExitFailsJob(t *testing.T) {
	m := newTestManager(t)

	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "exit 3"}, nil, false)
	require.NoError(t, err)

	job := waitForTerminal(t, m, id)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestStartBorgCommand_EmptyArgvRejected(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartBorgCommand(nil, nil, false)
	assert.Error(t, err)
}

func TestCreateCompositeJob_RequiresTasks(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateCompositeJob("backup", nil, nil, nil, nil, types.PriorityNormal)
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestCreateCompositeJob_MultipleTasksWalkInOrder(t *testing.T) {
	m := newTestManager(t)

	defs := []types.TaskDefinition{
		{Kind: types.TaskCommand, Name: "first", Parameters: map[string]any{"argv": []string{"/bin/sh", "-c", "echo one"}}},
		{Kind: types.TaskCommand, Name: "second", Parameters: map[string]any{"argv": []string{"/bin/sh", "-c", "echo two"}}},
	}
	id, err := m.CreateCompositeJob("backup", defs, nil, nil, nil, types.PriorityHigh)
	require.NoError(t, err)

	job := waitForTerminal(t, m, id)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Len(t, job.Tasks, 2)
	assert.Equal(t, types.TaskCompleted, job.Tasks[0].Status)
	assert.Equal(t, types.TaskCompleted, job.Tasks[1].Status)
}

func TestCancelJob_BeforeAdmissionStopsJobWithoutRunning(t *testing.T) {
	m := newTestManager(t)
	// Saturate the operation pool so the next job stays queued long
	// enough to cancel before it is ever admitted.
	for i := 0; i < 10; i++ {
		_, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "sleep 0.3"}, nil, false)
		require.NoError(t, err)
	}

	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "echo should-not-run"}, nil, false)
	require.NoError(t, err)
	require.NoError(t, m.CancelJob(id))

	job := waitForTerminal(t, m, id)
	assert.Equal(t, types.JobStopped, job.Status)
}

func TestCancelJob_UnknownJobReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.CancelJob(types.NewJobID()), ErrJobNotFound)
}

func TestCancelJob_IsIdempotent(t *testing.T) {
	m := newTestManager(t)
	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "sleep 0.05"}, nil, false)
	require.NoError(t, err)

	require.NoError(t, m.CancelJob(id))
	require.NoError(t, m.CancelJob(id))
	waitForTerminal(t, m, id)
}

func TestCleanupJob_ClearsInMemoryStateButKeepsPersistedRow(t *testing.T) {
	m := newTestManager(t)
	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "echo bye"}, nil, false)
	require.NoError(t, err)
	waitForTerminal(t, m, id)

	m.CleanupJob(id)

	job, err := m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestRegisterExternalJob_TracksLifecycle(t *testing.T) {
	m := newTestManager(t)
	id := types.NewJobID()

	require.NoError(t, m.RegisterExternalJob(id, "restore", "manual restore"))
	job, err := m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)

	m.AddExternalJobOutput(id, "restoring archive 1 of 3", types.StreamStdout)
	snap := m.GetJobOutput(id, 0)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "restoring archive 1 of 3", snap.Lines[0].Text)

	require.NoError(t, m.CompleteExternalTask(id, true, ""))
	job, err = m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, types.TaskCompleted, job.Tasks[0].Status)
}

func TestCompleteExternalTask_FailureMirrorsToJob(t *testing.T) {
	m := newTestManager(t)
	id := types.NewJobID()
	require.NoError(t, m.RegisterExternalJob(id, "restore", "manual restore"))

	require.NoError(t, m.CompleteExternalTask(id, false, "archive corrupted"))
	job, err := m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, "archive corrupted", job.Error)
}

func TestCompleteExternalTask_UnknownJobReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.CompleteExternalTask(types.NewJobID(), true, ""), ErrJobNotFound)
}

func TestQueueStats_ReflectsAdmittedJob(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "sleep 0.1"}, nil, false)
	require.NoError(t, err)

	stats := m.QueueStats()
	require.Contains(t, stats, queue.PoolOperation)
	assert.Equal(t, 1, stats[queue.PoolOperation].Pending+stats[queue.PoolOperation].Running)
}

func TestStreamEvents_ReceivesJobLifecycleEvents(t *testing.T) {
	m := newTestManager(t)
	sub := m.StreamEvents(false)
	defer sub.Unsubscribe()

	id, err := m.StartBorgCommand([]string{"/bin/sh", "-c", "echo tick"}, nil, false)
	require.NoError(t, err)
	waitForTerminal(t, m, id)

	var seen []types.EventType
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(seen) < 7 {
		select {
		case e := <-sub.Events:
			seen = append(seen, e.Type)
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Contains(t, seen, types.EventQueued)
	assert.Contains(t, seen, types.EventAdmitted)
	assert.Contains(t, seen, types.EventJobCompleted)
}
