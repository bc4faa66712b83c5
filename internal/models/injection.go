// Package models provides data model definitions for doselog.
package models

import (
	"fmt"
	"strings"
)

// InjectionSites lists the valid injection site values. These match the
// site identifiers used by the remote replica.
var InjectionSites = []string{
	"left_thigh",
	"right_thigh",
	"left_arm",
	"right_arm",
	"abdomen_left",
	"abdomen_right",
}

// Injection represents a single administered dose.
type Injection struct {
	ID        UUID    `json:"id"`
	Timestamp string  `json:"timestamp"` // RFC 3339
	Dose      float64 `json:"dose"`      // mg
	Site      string  `json:"site"`
	Notes     string  `json:"notes,omitempty"`
	VialID    UUID    `json:"vialId,omitempty"`
	WeightKg  float64 `json:"weightKg,omitempty"`
	UpdatedAt int64   `json:"updatedAt"` // unix ms
}

// EntityID implements Entity.
func (i Injection) EntityID() string {
	return string(i.ID)
}

// Modified implements Entity.
func (i Injection) Modified() int64 {
	return i.UpdatedAt
}

// DedupKey returns the natural key used to detect accidental duplicates:
// two injections with the same timestamp, dose and site represent the same
// real-world event.
func (i Injection) DedupKey() string {
	return fmt.Sprintf("%s|%g|%s", i.Timestamp, i.Dose, i.Site)
}

// CompletenessScore counts populated optional fields. Used by dedup to pick
// the most complete record from a duplicate group.
func (i Injection) CompletenessScore() int {
	score := 0
	if i.Notes != "" {
		score++
	}
	if i.VialID != "" {
		score++
	}
	if i.WeightKg > 0 {
		score++
	}
	return score
}

// Validate checks the injection before it is persisted or enqueued.
func (i Injection) Validate() error {
	if i.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if i.Dose <= 0 {
		return fmt.Errorf("dose must be positive, got %g", i.Dose)
	}
	if !validSite(i.Site) {
		return fmt.Errorf("invalid injection site: %q", i.Site)
	}
	return nil
}

func validSite(site string) bool {
	for _, s := range InjectionSites {
		if s == site {
			return true
		}
	}
	return false
}

// SiteLabel returns a human-readable label for a site identifier.
func SiteLabel(site string) string {
	return strings.ReplaceAll(site, "_", " ")
}
