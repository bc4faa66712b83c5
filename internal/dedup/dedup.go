// Package dedup collapses accidental duplicate records. Records are grouped
// by a natural key; within each group the most complete record survives.
// The pass is pure: running it on its own output is a no-op.
package dedup

// Result holds the outcome of a dedup pass. Both slices preserve the input
// encounter order.
type Result[T any] struct {
	Surviving []T
	Removed   []T
}

// Deduplicate groups entities by keyFn and keeps, per group, the entity
// with the highest scoreFn. On equal scores the entity appearing first in
// the input wins. Groups of size 1 are untouched.
func Deduplicate[T any](entities []T, keyFn func(T) string, scoreFn func(T) int) Result[T] {
	// First pass: pick the surviving index per key. A later entity only
	// displaces the incumbent with a strictly higher score, which keeps
	// the selection stable with respect to input order.
	best := make(map[string]int, len(entities))
	for i, e := range entities {
		key := keyFn(e)
		j, seen := best[key]
		if !seen || scoreFn(e) > scoreFn(entities[j]) {
			best[key] = i
		}
	}

	survivors := make(map[int]bool, len(best))
	for _, i := range best {
		survivors[i] = true
	}

	result := Result[T]{
		Surviving: make([]T, 0, len(best)),
	}
	for i, e := range entities {
		if survivors[i] {
			result.Surviving = append(result.Surviving, e)
		} else {
			result.Removed = append(result.Removed, e)
		}
	}
	return result
}
