// Package tombstone tracks recently deleted entity ids so a lagging remote
// pull cannot resurrect them. Each deletion is remembered for a fixed
// window; entries expire lazily.
package tombstone

import (
	"sync"
	"time"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/store"
)

// DefaultTTL is the resurrection-suppression window.
const DefaultTTL = 120 * time.Second

// Tracker maps deleted entity ids to expiry instants, persisted under the
// pending_deletions key.
type Tracker struct {
	mu    sync.Mutex
	store *store.Store
	clock clock.Clock
	ttl   time.Duration
}

// NewTracker loads the tracker state from the store. A corrupt persisted
// map resets to empty.
func NewTracker(st *store.Store, clk clock.Clock) *Tracker {
	return &Tracker{
		store: st,
		clock: clk,
		ttl:   DefaultTTL,
	}
}

// load reads the persisted map. Missing or corrupt values yield an empty map.
func (t *Tracker) load() map[string]int64 {
	entries := map[string]int64{}
	t.store.LoadJSON(store.KeyTombstones, &entries)
	return entries
}

// save persists the map. On quota exhaustion it sweeps expired entries and
// retries the write once.
func (t *Tracker) save(entries map[string]int64) error {
	err := t.store.SaveJSON(store.KeyTombstones, entries)
	if err == nil || !errors.Is(err, errors.ErrStorageQuota) {
		return err
	}

	now := t.clock.Now().UnixMilli()
	pruned := 0
	for id, expiresAt := range entries {
		if now > expiresAt {
			delete(entries, id)
			pruned++
		}
	}
	logging.Warn("Storage quota hit writing tombstones, pruned expired entries",
		map[string]interface{}{"pruned": pruned})
	return t.store.SaveJSON(store.KeyTombstones, entries)
}

// RecordDeletion marks id as deleted for the TTL window.
func (t *Tracker) RecordDeletion(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.load()
	entries[id] = t.clock.Now().Add(t.ttl).UnixMilli()
	return t.save(entries)
}

// Cancel removes the tombstone for id before it expires (undo).
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.load()
	if _, ok := entries[id]; !ok {
		return nil
	}
	delete(entries, id)
	return t.save(entries)
}

// IsTombstoned reports whether id has a non-expired tombstone. An expired
// entry is lazily deleted.
func (t *Tracker) IsTombstoned(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.load()
	expiresAt, ok := entries[id]
	if !ok {
		return false
	}
	if t.clock.Now().UnixMilli() > expiresAt {
		delete(entries, id)
		if err := t.save(entries); err != nil {
			logging.Error("Failed to drop expired tombstone", err,
				map[string]interface{}{"entity_id": id})
		}
		return false
	}
	return true
}

// SweepExpired removes all expired tombstones. Called on load.
func (t *Tracker) SweepExpired() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.load()
	now := t.clock.Now().UnixMilli()
	removed := 0
	for id, expiresAt := range entries {
		if now > expiresAt {
			delete(entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := t.save(entries); err != nil {
		return removed, err
	}
	logging.Debug("Swept expired tombstones", map[string]interface{}{"removed": removed})
	return removed, nil
}

// Count returns the number of non-expired tombstones.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.load()
	now := t.clock.Now().UnixMilli()
	count := 0
	for _, expiresAt := range entries {
		if now <= expiresAt {
			count++
		}
	}
	return count
}
