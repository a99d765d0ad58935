// Package queue admits composite jobs into one of two bounded,
// priority-ordered pools and dispatches them to the composite runner
// as capacity frees up.
package queue

import (
	"sync"
	"time"

	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/types"
	"github.com/rs/zerolog"
)

// Pool identifies which of the two bounded pools a job is routed to.
type Pool string

const (
	// PoolBackup holds jobs with at least one backup task.
	PoolBackup Pool = "backup"
	// PoolOperation holds every other job.
	PoolOperation Pool = "operation"
)

var priorityOrder = []types.Priority{
	types.PriorityCritical,
	types.PriorityHigh,
	types.PriorityNormal,
	types.PriorityLow,
}

// Record is one queued job: the metadata carried from enqueue through
// to admission.
type Record struct {
	JobID      types.JobID
	Pool       Pool
	Priority   types.Priority
	Metadata   map[string]any
	EnqueuedAt time.Time

	skipped bool
}

// Stats is the pending/running snapshot for a single pool.
type Stats struct {
	Pending int
	Running int
}

// Config controls pool capacities, the absolute backlog cap, and the
// dispatch poll cadence. Zero values fall back to spec.md's defaults.
type Config struct {
	BackupCapacity    int
	OperationCapacity int
	BacklogCap        int
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackupCapacity <= 0 {
		c.BackupCapacity = 5
	}
	if c.OperationCapacity <= 0 {
		c.OperationCapacity = 10
	}
	if c.BacklogCap <= 0 {
		c.BacklogCap = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// OnAdmit is called when a job is admitted into a pool's running set.
type OnAdmit func(jobID types.JobID, record *Record)

// OnComplete is called when a running job finishes (success indicates
// whether it completed without error), or when a queued job is
// cancelled before admission (success is always false in that case).
type OnComplete func(jobID types.JobID, success bool)

// Manager runs the two bounded pools and their dispatch loops.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	onAdmit    OnAdmit
	onComplete OnComplete

	backup    *pool
	operation *pool

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

type pool struct {
	mu       sync.Mutex
	capacity int
	buckets  map[types.Priority][]*Record
	running  map[types.JobID]*Record
}

func newPool(capacity int) *pool {
	return &pool{
		capacity: capacity,
		buckets:  make(map[types.Priority][]*Record),
		running:  make(map[types.JobID]*Record),
	}
}

func (p *pool) pendingCount() int {
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// New creates a Manager. Call Start to begin its dispatch loop.
func New(cfg Config, onAdmit OnAdmit, onComplete OnComplete) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     log.WithComponent("queue"),
		onAdmit:    onAdmit,
		onComplete: onComplete,
		backup:     newPool(cfg.BackupCapacity),
		operation:  newPool(cfg.OperationCapacity),
		signal:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the dispatch loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts the dispatch loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.dispatch()
		case <-m.signal:
			m.dispatch()
		}
	}
}

func (m *Manager) nudge() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Enqueue admits jobID's record into the named pool's priority FIFO.
// It returns false, rejecting the job, if the combined backlog across
// both pools is already at the absolute cap.
func (m *Manager) Enqueue(jobID types.JobID, which Pool, priority types.Priority, metadata map[string]any) bool {
	if m.totalPending() >= m.cfg.BacklogCap {
		metrics.QueueRejectedTotal.Inc()
		return false
	}

	record := &Record{
		JobID:      jobID,
		Pool:       which,
		Priority:   priority,
		Metadata:   metadata,
		EnqueuedAt: time.Now(),
	}

	p := m.poolFor(which)
	p.mu.Lock()
	p.buckets[priority] = append(p.buckets[priority], record)
	p.mu.Unlock()

	metrics.QueuePending.WithLabelValues(string(which), string(priority)).Inc()
	m.nudge()
	return true
}

func (m *Manager) totalPending() int {
	m.backup.mu.Lock()
	n := m.backup.pendingCount()
	m.backup.mu.Unlock()

	m.operation.mu.Lock()
	n += m.operation.pendingCount()
	m.operation.mu.Unlock()
	return n
}

func (m *Manager) poolFor(which Pool) *pool {
	if which == PoolBackup {
		return m.backup
	}
	return m.operation
}

func (m *Manager) dispatch() {
	m.dispatchPool(PoolBackup, m.backup)
	m.dispatchPool(PoolOperation, m.operation)
}

func (m *Manager) dispatchPool(which Pool, p *pool) {
	for {
		p.mu.Lock()
		if len(p.running) >= p.capacity {
			p.mu.Unlock()
			return
		}

		record := popHighestPriority(p.buckets)
		if record == nil {
			p.mu.Unlock()
			return
		}
		metrics.QueuePending.WithLabelValues(string(which), string(record.Priority)).Dec()

		if record.skipped {
			p.mu.Unlock()
			if m.onComplete != nil {
				m.onComplete(record.JobID, false)
			}
			continue
		}

		p.running[record.JobID] = record
		metrics.QueueRunning.WithLabelValues(string(which)).Inc()
		p.mu.Unlock()

		if m.onAdmit != nil {
			m.onAdmit(record.JobID, record)
		}
	}
}

func popHighestPriority(buckets map[types.Priority][]*Record) *Record {
	for _, prio := range priorityOrder {
		bucket := buckets[prio]
		if len(bucket) == 0 {
			continue
		}
		record := bucket[0]
		buckets[prio] = bucket[1:]
		return record
	}
	return nil
}

// Complete marks jobID no longer running in which pool and notifies
// onComplete, then nudges the dispatch loop so a waiting job in that
// pool can be admitted.
func (m *Manager) Complete(jobID types.JobID, which Pool, success bool) {
	p := m.poolFor(which)
	p.mu.Lock()
	if _, ok := p.running[jobID]; ok {
		delete(p.running, jobID)
		metrics.QueueRunning.WithLabelValues(string(which)).Dec()
	}
	p.mu.Unlock()

	if m.onComplete != nil {
		m.onComplete(jobID, success)
	}
	m.nudge()
}

// Cancel marks a still-queued job as admitted-as-skipped: the next
// time the dispatch loop would admit it, it is instead reported via
// onComplete(jobID, false) without ever running. It is a no-op if
// jobID is not currently queued in either pool (already admitted, or
// unknown).
func (m *Manager) Cancel(jobID types.JobID) bool {
	for _, p := range []*pool{m.backup, m.operation} {
		p.mu.Lock()
		for _, bucket := range p.buckets {
			for _, record := range bucket {
				if record.JobID == jobID {
					record.skipped = true
					p.mu.Unlock()
					return true
				}
			}
		}
		p.mu.Unlock()
	}
	return false
}

// Stats returns the pending/running snapshot for both pools.
func (m *Manager) Stats() map[Pool]Stats {
	out := make(map[Pool]Stats, 2)
	for which, p := range map[Pool]*pool{PoolBackup: m.backup, PoolOperation: m.operation} {
		p.mu.Lock()
		out[which] = Stats{Pending: p.pendingCount(), Running: len(p.running)}
		p.mu.Unlock()
	}
	return out
}

// ListRunning returns the job ids currently admitted across both pools.
func (m *Manager) ListRunning() []types.JobID {
	var out []types.JobID
	for _, p := range []*pool{m.backup, m.operation} {
		p.mu.Lock()
		for id := range p.running {
			out = append(out, id)
		}
		p.mu.Unlock()
	}
	return out
}
