// Package events implements a single broadcaster that fans job and
// task lifecycle events out to any number of subscribers: the HTTP
// layer's live-update stream, the scheduler's own status watcher, and
// tests all subscribe the same way.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/archivist/pkg/metrics"
	"github.com/cuemby/archivist/pkg/types"
)

const (
	defaultQueueSize  = 100
	defaultReplaySize = 20
	defaultKeepAlive  = 30 * time.Second
)

// Config controls buffer sizes and timing; zero values fall back to
// the defaults named in the package doc.
type Config struct {
	SubscriberQueueSize int
	ReplaySize          int
	KeepAliveInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = defaultQueueSize
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = defaultReplaySize
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAlive
	}
	return c
}

// Subscription is a live view onto the broadcaster's event stream.
// Events arrives on Events; the subscriber must call Unsubscribe when
// done to release its queue.
type Subscription struct {
	id     uint64
	Events <-chan types.Event

	broker *Broadcaster
}

// Unsubscribe releases the subscription's queue. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s.id)
}

type subscriber struct {
	id    uint64
	ch    chan types.Event
	mu    sync.Mutex
	open  bool
}

// Broadcaster serves every subscriber from a single publish path.
// Publish never blocks the producer: a full subscriber queue drops
// its oldest event rather than applying backpressure.
type Broadcaster struct {
	cfg Config

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64

	replayMu sync.Mutex
	replay   []types.Event

	droppedMu sync.Mutex
	dropped   uint64

	lastPublish atomic64

	stopCh chan struct{}
	doneCh chan struct{}
}

// atomic64 avoids importing sync/atomic's typed wrappers solely for
// one timestamp field; guarded by its own mutex below.
type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// New creates a Broadcaster. Call Start to begin its keep-alive loop.
func New(cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	b := &Broadcaster{
		cfg:         cfg,
		subscribers: make(map[uint64]*subscriber),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	b.lastPublish.set(time.Now())
	return b
}

// Start begins the periodic keep-alive loop. Safe to call at most once.
func (b *Broadcaster) Start() {
	go b.runKeepAlive()
}

// Stop halts the keep-alive loop. It does not close subscriber
// channels; callers still holding a Subscription should Unsubscribe.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Broadcaster) runKeepAlive() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if time.Since(b.lastPublish.get()) >= b.cfg.KeepAliveInterval {
				b.Publish(types.Event{Type: types.EventKeepAlive, Timestamp: time.Now()})
			}
		}
	}
}

// Publish delivers event to every current subscriber and appends it
// to the replay buffer. It never blocks: a subscriber whose queue is
// full has its oldest queued event dropped to make room.
func (b *Broadcaster) Publish(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.lastPublish.set(event.Timestamp)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	b.replayMu.Lock()
	b.replay = append(b.replay, event)
	if len(b.replay) > b.cfg.ReplaySize {
		b.replay = b.replay[len(b.replay)-b.cfg.ReplaySize:]
	}
	b.replayMu.Unlock()

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

func (b *Broadcaster) deliver(s *subscriber, event types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest queued event, then enqueue this one.
	select {
	case <-s.ch:
		b.droppedMu.Lock()
		b.dropped++
		b.droppedMu.Unlock()
		metrics.EventsDroppedTotal.Inc()
	default:
	}

	select {
	case s.ch <- event:
	default:
	}
}

// Subscribe registers a new subscription. If sendReplay is true, the
// subscriber's channel is pre-loaded with up to ReplaySize most
// recent events before any new events are delivered.
func (b *Broadcaster) Subscribe(sendReplay bool) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:   id,
		ch:   make(chan types.Event, b.cfg.SubscriberQueueSize),
		open: true,
	}
	b.subscribers[id] = sub
	b.mu.Unlock()
	metrics.SubscribersActive.Inc()

	if sendReplay {
		b.replayMu.Lock()
		backlog := make([]types.Event, len(b.replay))
		copy(backlog, b.replay)
		b.replayMu.Unlock()

		for _, e := range backlog {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}

	return &Subscription{id: id, Events: sub.ch, broker: b}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	metrics.SubscribersActive.Dec()

	sub.mu.Lock()
	sub.open = false
	close(sub.ch)
	sub.mu.Unlock()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// DroppedCount returns how many queued events have been discarded
// across all subscribers due to a full queue.
func (b *Broadcaster) DroppedCount() uint64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}
