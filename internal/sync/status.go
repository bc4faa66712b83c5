package sync

import (
	"sync"
	"time"

	"github.com/doselog/doselog/internal/sync/queue"
)

// State represents the engine's current activity.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Status is the signal surfaced to the UI layer: terminal failures and
// pending work are reported here, never via a crash.
type Status struct {
	State    State
	Pending  int
	Failed   int
	LastSync time.Time
}

// statusBoard owns the invocation guard and the subscription channel.
// Subscribers receive the current status on subscribe, then on each change.
type statusBoard struct {
	mu       sync.Mutex
	queue    *queue.Queue
	running  bool
	lastSync time.Time
	subs     map[chan Status]struct{}
}

func (b *statusBoard) init(q *queue.Queue) {
	b.queue = q
	b.subs = make(map[chan Status]struct{})
}

// begin claims the single processing slot. Returns false if a pass is
// already running.
func (b *statusBoard) begin() bool {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return false
	}
	b.running = true
	b.mu.Unlock()
	b.publish()
	return true
}

// end releases the processing slot and records the pass completion time.
func (b *statusBoard) end(at time.Time) {
	b.mu.Lock()
	b.running = false
	b.lastSync = at
	b.mu.Unlock()
	b.publish()
}

func (b *statusBoard) snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *statusBoard) snapshotLocked() Status {
	stats := b.queue.Stats()
	state := StateIdle
	if b.running {
		state = StateSyncing
	}
	return Status{
		State:    state,
		Pending:  stats["pending"] + stats["syncing"],
		Failed:   stats["failed"],
		LastSync: b.lastSync,
	}
}

func (b *statusBoard) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	current := b.snapshotLocked()
	b.mu.Unlock()

	ch <- current

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// publish sends the current status to all subscribers. Sends are
// non-blocking; a subscriber that falls a full buffer behind drops updates.
func (b *statusBoard) publish() {
	b.mu.Lock()
	current := b.snapshotLocked()
	for ch := range b.subs {
		select {
		case ch <- current:
		default:
		}
	}
	b.mu.Unlock()
}
