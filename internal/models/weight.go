// Package models provides data model definitions for doselog.
package models

import "fmt"

// Weight represents a body-weight sample.
type Weight struct {
	ID        UUID    `json:"id"`
	Timestamp string  `json:"timestamp"` // RFC 3339
	WeightKg  float64 `json:"weightKg"`
	Notes     string  `json:"notes,omitempty"`
	UpdatedAt int64   `json:"updatedAt"`
}

// EntityID implements Entity.
func (w Weight) EntityID() string {
	return string(w.ID)
}

// Modified implements Entity.
func (w Weight) Modified() int64 {
	return w.UpdatedAt
}

// DedupKey groups weight samples taken at the same instant.
func (w Weight) DedupKey() string {
	return w.Timestamp
}

// CompletenessScore counts populated optional fields.
func (w Weight) CompletenessScore() int {
	if w.Notes != "" {
		return 1
	}
	return 0
}

// Validate checks the weight sample before it is persisted or enqueued.
func (w Weight) Validate() error {
	if w.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if w.WeightKg <= 0 {
		return fmt.Errorf("weight must be positive, got %g", w.WeightKg)
	}
	return nil
}

// Settings holds the user's preferences. It is synced as a single record
// and is never tombstoned.
type Settings struct {
	WeightUnit   string `json:"weightUnit,omitempty"` // kg, lb
	DoseUnit     string `json:"doseUnit,omitempty"`   // mg, units
	ReminderHour int    `json:"reminderHour,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// EntityID implements Entity. Settings are a singleton record.
func (s Settings) EntityID() string {
	return "settings"
}

// Modified implements Entity.
func (s Settings) Modified() int64 {
	return s.UpdatedAt
}
