// Package output buffers captured child-process output per job: a
// bounded ring that callers can snapshot or follow live, independent
// of how long the job itself takes to finish.
package output

import (
	"sync"

	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/types"
)

// Manager owns one ring buffer per job.
type Manager struct {
	mu       sync.Mutex
	capacity int
	jobs     map[types.JobID]*jobBuffer
}

// New creates a Manager whose per-job buffers hold at most capacity
// lines before the oldest line is discarded on append.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Manager{
		capacity: capacity,
		jobs:     make(map[types.JobID]*jobBuffer),
	}
}

// Snapshot is a point-in-time read of a job's buffer.
type Snapshot struct {
	Lines         []types.OutputLine
	TruncatedCount uint64
}

type jobBuffer struct {
	mu        sync.Mutex
	lines     []types.OutputLine
	nextSeq   uint64
	truncated uint64
	followers map[int]*follower
	nextFID   int
	closed    bool
}

type follower struct {
	ch chan types.OutputLine
}

func newJobBuffer() *jobBuffer {
	return &jobBuffer{
		followers: make(map[int]*follower),
	}
}

// Create registers a new, empty buffer for jobID. Calling it twice
// for the same job resets that job's buffer.
func (m *Manager) Create(jobID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = newJobBuffer()
}

// Append adds a line to jobID's buffer, assigning it the next dense
// sequence number for that job. If the buffer is already at capacity
// the oldest line is discarded and the truncated counter increments.
// Append is a no-op if the job has no registered buffer (Create was
// never called, or Clear already ran).
func (m *Manager) Append(jobID types.JobID, text string, stream types.StreamTag, at int64) {
	jb := m.bufferFor(jobID)
	if jb == nil {
		return
	}

	jb.mu.Lock()
	seq := jb.nextSeq
	jb.nextSeq++
	line := types.OutputLine{
		Sequence: seq,
		Stream:   stream,
		Text:     text,
	}
	jb.lines = append(jb.lines, line)
	if len(jb.lines) > m.capacity {
		jb.lines = jb.lines[1:]
		jb.truncated++
		metrics.OutputLinesTruncatedTotal.Inc()
	}
	followers := make([]*follower, 0, len(jb.followers))
	for _, f := range jb.followers {
		followers = append(followers, f)
	}
	jb.mu.Unlock()

	for _, f := range followers {
		select {
		case f.ch <- line:
		default:
		}
	}
}

// Snapshot returns the current buffer contents for jobID. If tailN is
// positive, only the most recent tailN lines are returned.
func (m *Manager) Snapshot(jobID types.JobID, tailN int) Snapshot {
	jb := m.bufferFor(jobID)
	if jb == nil {
		return Snapshot{}
	}

	jb.mu.Lock()
	defer jb.mu.Unlock()

	lines := jb.lines
	if tailN > 0 && len(lines) > tailN {
		lines = lines[len(lines)-tailN:]
	}
	out := make([]types.OutputLine, len(lines))
	copy(out, lines)
	return Snapshot{Lines: out, TruncatedCount: jb.truncated}
}

// Follow returns the job's historical buffer plus a channel that
// receives every line appended after the call, and a cancel func the
// caller must invoke to release its cursor. The channel is closed
// when Clear is called for the job (normally once it terminates).
// Each caller gets an independent cursor; Follow is restartable.
func (m *Manager) Follow(jobID types.JobID) (history []types.OutputLine, lines <-chan types.OutputLine, cancel func()) {
	jb := m.bufferFor(jobID)
	if jb == nil {
		closed := make(chan types.OutputLine)
		close(closed)
		return nil, closed, func() {}
	}

	jb.mu.Lock()
	history = make([]types.OutputLine, len(jb.lines))
	copy(history, jb.lines)

	ch := make(chan types.OutputLine, m.capacity)
	id := jb.nextFID
	jb.nextFID++
	jb.followers[id] = &follower{ch: ch}
	closedAlready := jb.closed
	jb.mu.Unlock()

	if closedAlready {
		close(ch)
	}

	cancelFn := func() {
		jb.mu.Lock()
		defer jb.mu.Unlock()
		if f, ok := jb.followers[id]; ok {
			delete(jb.followers, id)
			close(f.ch)
		}
	}

	return history, ch, cancelFn
}

// Clear removes jobID's buffer and closes any live followers' channels.
func (m *Manager) Clear(jobID types.JobID) {
	m.mu.Lock()
	jb, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if !ok {
		return
	}

	jb.mu.Lock()
	jb.closed = true
	followers := jb.followers
	jb.followers = make(map[int]*follower)
	jb.mu.Unlock()

	for _, f := range followers {
		close(f.ch)
	}
}

func (m *Manager) bufferFor(jobID types.JobID) *jobBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}
