package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/archivist/pkg/types"
)

func TestAppendAndSnapshot(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	m.Create(jobID)

	m.Append(jobID, "line one", types.StreamStdout, 0)
	m.Append(jobID, "line two", types.StreamStderr, 0)

	snap := m.Snapshot(jobID, 0)
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, "line one", snap.Lines[0].Text)
	assert.Equal(t, uint64(0), snap.Lines[0].Sequence)
	assert.Equal(t, uint64(1), snap.Lines[1].Sequence)
	assert.Equal(t, uint64(0), snap.TruncatedCount)
}

func TestAppendOverflowTruncates(t *testing.T) {
	m := New(3)
	jobID := types.NewJobID()
	m.Create(jobID)

	for i := 0; i < 5; i++ {
		m.Append(jobID, "l", types.StreamStdout, 0)
	}

	snap := m.Snapshot(jobID, 0)
	assert.Len(t, snap.Lines, 3)
	assert.Equal(t, uint64(2), snap.TruncatedCount)
	assert.Equal(t, uint64(2), snap.Lines[0].Sequence)
	assert.Equal(t, uint64(4), snap.Lines[2].Sequence)
}

func TestSnapshotTailN(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	m.Create(jobID)
	for i := 0; i < 5; i++ {
		m.Append(jobID, "l", types.StreamStdout, 0)
	}

	snap := m.Snapshot(jobID, 2)
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, uint64(3), snap.Lines[0].Sequence)
	assert.Equal(t, uint64(4), snap.Lines[1].Sequence)
}

func TestFollowYieldsHistoryThenLive(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	m.Create(jobID)
	m.Append(jobID, "before", types.StreamStdout, 0)

	history, live, cancel := m.Follow(jobID)
	defer cancel()
	require.Len(t, history, 1)
	assert.Equal(t, "before", history[0].Text)

	m.Append(jobID, "after", types.StreamStdout, 0)

	select {
	case l := <-live:
		assert.Equal(t, "after", l.Text)
	case <-time.After(time.Second):
		t.Fatal("did not receive live line")
	}
}

func TestFollowIndependentCursors(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	m.Create(jobID)

	_, live1, cancel1 := m.Follow(jobID)
	defer cancel1()
	_, live2, cancel2 := m.Follow(jobID)
	defer cancel2()

	m.Append(jobID, "x", types.StreamStdout, 0)

	for _, ch := range []<-chan types.OutputLine{live1, live2} {
		select {
		case l := <-ch:
			assert.Equal(t, "x", l.Text)
		case <-time.After(time.Second):
			t.Fatal("follower missed line")
		}
	}
}

func TestClearClosesFollowersAndRemovesBuffer(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	m.Create(jobID)
	_, live, cancel := m.Follow(jobID)
	defer cancel()

	m.Clear(jobID)

	_, ok := <-live
	assert.False(t, ok, "channel should be closed after Clear")

	snap := m.Snapshot(jobID, 0)
	assert.Empty(t, snap.Lines)
}

func TestFollowUnknownJobReturnsClosedChannel(t *testing.T) {
	m := New(10)
	jobID := types.NewJobID()
	_, live, cancel := m.Follow(jobID)
	defer cancel()

	_, ok := <-live
	assert.False(t, ok)
}
