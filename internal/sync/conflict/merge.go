// Package conflict merges a freshly pulled remote snapshot into the local
// entity set using record-level last-write-wins.
package conflict

import (
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
)

// Merge combines local and remote collections of one entity type.
//
// Rules:
//   - an id present only locally is kept (it may not be synced yet)
//   - an id present only remotely is included unless it is tombstoned
//     (deletion wins over a stale remote view)
//   - an id present in both resolves to the instance with the strictly
//     greater update timestamp; ties keep the local instance
//   - a tombstoned id never appears in the result, whatever the remote says
//
// Records win in full; fields are not merged. The comparison is purely
// timestamp-based, so merging the same snapshot twice is a no-op.
//
// Result order is deterministic: local order first, then new remote
// entities in snapshot order.
func Merge[E models.Entity](local, remote []E, isTombstoned func(id string) bool) []E {
	remoteByID := make(map[string]E, len(remote))
	for _, r := range remote {
		remoteByID[r.EntityID()] = r
	}

	merged := make([]E, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))

	for _, l := range local {
		id := l.EntityID()
		seen[id] = true
		if isTombstoned(id) {
			continue
		}
		if r, ok := remoteByID[id]; ok && r.Modified() > l.Modified() {
			logging.Debug("Remote record wins merge",
				map[string]interface{}{
					"entity_id":        id,
					"local_timestamp":  l.Modified(),
					"remote_timestamp": r.Modified(),
				})
			merged = append(merged, r)
			continue
		}
		merged = append(merged, l)
	}

	for _, r := range remote {
		id := r.EntityID()
		if seen[id] {
			continue
		}
		if isTombstoned(id) {
			logging.Debug("Suppressed resurrection of tombstoned record",
				map[string]interface{}{"entity_id": id})
			continue
		}
		merged = append(merged, r)
	}

	return merged
}

// MergeSettings resolves the singleton settings record. Settings are never
// tombstoned; the strictly newer record wins and ties keep local.
func MergeSettings(local, remote models.Settings) models.Settings {
	if remote.Modified() > local.Modified() {
		return remote
	}
	return local
}
