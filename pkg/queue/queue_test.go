package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/archivist/pkg/types"
)

type recorder struct {
	mu      sync.Mutex
	admits  []types.JobID
	results map[types.JobID]bool
}

func newRecorder() *recorder {
	return &recorder{results: make(map[types.JobID]bool)}
}

func (r *recorder) onAdmit(jobID types.JobID, _ *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admits = append(r.admits, jobID)
}

func (r *recorder) onComplete(jobID types.JobID, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[jobID] = success
}

func (r *recorder) admitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.admits)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueAdmitsWithinCapacity(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 2, PollInterval: 10 * time.Millisecond}, rec.onAdmit, rec.onComplete)
	m.Start()
	defer m.Stop()

	id := types.NewJobID()
	ok := m.Enqueue(id, PoolBackup, types.PriorityNormal, nil)
	require.True(t, ok)

	waitFor(t, time.Second, func() bool { return rec.admitCount() == 1 })
}

func TestPriorityOrderingWithinPool(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 1, PollInterval: 5 * time.Millisecond}, rec.onAdmit, rec.onComplete)

	low := types.NewJobID()
	high := types.NewJobID()
	critical := types.NewJobID()

	m.Enqueue(low, PoolBackup, types.PriorityLow, nil)
	m.Enqueue(high, PoolBackup, types.PriorityHigh, nil)
	m.Enqueue(critical, PoolBackup, types.PriorityCritical, nil)

	m.dispatch()

	require.Len(t, rec.admits, 1)
	assert.Equal(t, critical, rec.admits[0])
}

func TestCapacityLimitsConcurrentAdmission(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 1, PollInterval: 5 * time.Millisecond}, rec.onAdmit, rec.onComplete)

	first := types.NewJobID()
	second := types.NewJobID()
	m.Enqueue(first, PoolBackup, types.PriorityNormal, nil)
	m.Enqueue(second, PoolBackup, types.PriorityNormal, nil)

	m.dispatch()
	require.Len(t, rec.admits, 1)
	assert.Equal(t, first, rec.admits[0])

	m.Complete(first, PoolBackup, true)
	m.dispatch()
	require.Len(t, rec.admits, 2)
	assert.Equal(t, second, rec.admits[1])
}

func TestEnqueueRejectsOverBacklogCap(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 10, BacklogCap: 2, PollInterval: time.Hour}, rec.onAdmit, rec.onComplete)

	assert.True(t, m.Enqueue(types.NewJobID(), PoolBackup, types.PriorityNormal, nil))
	assert.True(t, m.Enqueue(types.NewJobID(), PoolBackup, types.PriorityNormal, nil))
	assert.False(t, m.Enqueue(types.NewJobID(), PoolBackup, types.PriorityNormal, nil))
}

func TestCancelQueuedJobSkipsOnDispatch(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 1, PollInterval: time.Hour}, rec.onAdmit, rec.onComplete)

	id := types.NewJobID()
	m.Enqueue(id, PoolBackup, types.PriorityNormal, nil)

	ok := m.Cancel(id)
	require.True(t, ok)

	m.dispatch()

	assert.Empty(t, rec.admits)
	rec.mu.Lock()
	success, seen := rec.results[id]
	rec.mu.Unlock()
	require.True(t, seen)
	assert.False(t, success)
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	m := New(Config{}, nil, nil)
	assert.False(t, m.Cancel(types.NewJobID()))
}

func TestStatsAndListRunning(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 2, OperationCapacity: 2, PollInterval: time.Hour}, rec.onAdmit, rec.onComplete)

	backupID := types.NewJobID()
	opID := types.NewJobID()
	m.Enqueue(backupID, PoolBackup, types.PriorityNormal, nil)
	m.Enqueue(opID, PoolOperation, types.PriorityNormal, nil)

	m.dispatch()

	stats := m.Stats()
	assert.Equal(t, 0, stats[PoolBackup].Pending)
	assert.Equal(t, 1, stats[PoolBackup].Running)
	assert.Equal(t, 0, stats[PoolOperation].Pending)
	assert.Equal(t, 1, stats[PoolOperation].Running)

	running := m.ListRunning()
	assert.ElementsMatch(t, []types.JobID{backupID, opID}, running)
}

func TestCompleteNotifiesOnComplete(t *testing.T) {
	rec := newRecorder()
	m := New(Config{BackupCapacity: 1, PollInterval: time.Hour}, rec.onAdmit, rec.onComplete)

	id := types.NewJobID()
	m.Enqueue(id, PoolBackup, types.PriorityNormal, nil)
	m.dispatch()
	require.Len(t, rec.admits, 1)

	m.Complete(id, PoolBackup, true)

	rec.mu.Lock()
	success, ok := rec.results[id]
	rec.mu.Unlock()
	require.True(t, ok)
	assert.True(t, success)
}
