// Package models provides data model definitions for doselog.
package models

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies a tracked entity collection. The values double as
// remote resource names (`/v1/{entityType}`) and as grouping keys in the
// sync queue.
type EntityType string

const (
	EntityInjections EntityType = "injections"
	EntityVials      EntityType = "vials"
	EntityWeights    EntityType = "weights"
	EntitySettings   EntityType = "settings"
)

// Entity is the minimal contract the sync core needs from a domain record:
// a stable identifier and an update timestamp usable for recency comparison.
type Entity interface {
	EntityID() string
	Modified() int64 // unix milliseconds
}
