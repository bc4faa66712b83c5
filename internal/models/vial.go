// Package models provides data model definitions for doselog.
package models

import "fmt"

// Vial status values.
const (
	VialStatusSealed   = "sealed"
	VialStatusInUse    = "in_use"
	VialStatusDryStock = "dry_stock"
	VialStatusEmpty    = "empty"
)

// Vial represents an inventory vial of medication.
type Vial struct {
	ID                UUID    `json:"id"`
	LotNumber         string  `json:"lotNumber,omitempty"`
	ConcentrationMgMl float64 `json:"concentrationMgMl,omitempty"`
	TotalAmountMg     float64 `json:"totalAmountMg"`
	RemainingMg       float64 `json:"remainingMg"`
	ExpirationDate    string  `json:"expirationDate,omitempty"` // YYYY-MM-DD
	DateOpened        string  `json:"dateOpened,omitempty"`     // YYYY-MM-DD
	Status            string  `json:"status"`
	Notes             string  `json:"notes,omitempty"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// EntityID implements Entity.
func (v Vial) EntityID() string {
	return string(v.ID)
}

// Modified implements Entity.
func (v Vial) Modified() int64 {
	return v.UpdatedAt
}

// DedupKey groups vials by lot number and opening date.
func (v Vial) DedupKey() string {
	return fmt.Sprintf("%s|%s", v.LotNumber, v.DateOpened)
}

// CompletenessScore counts populated optional fields.
func (v Vial) CompletenessScore() int {
	score := 0
	if v.Notes != "" {
		score++
	}
	if v.ExpirationDate != "" {
		score++
	}
	return score
}

// Validate checks the vial before it is persisted or enqueued.
func (v Vial) Validate() error {
	if v.TotalAmountMg <= 0 {
		return fmt.Errorf("total amount must be positive, got %g", v.TotalAmountMg)
	}
	if v.RemainingMg < 0 {
		return fmt.Errorf("remaining amount must not be negative, got %g", v.RemainingMg)
	}
	switch v.Status {
	case VialStatusSealed, VialStatusInUse, VialStatusDryStock, VialStatusEmpty:
		return nil
	default:
		return fmt.Errorf("invalid vial status: %q", v.Status)
	}
}

// Draw removes a dose from the vial and updates its status. Drawing from a
// vial that has less than the requested dose empties it.
func (v *Vial) Draw(doseMg float64) {
	v.RemainingMg -= doseMg
	if v.RemainingMg <= 0 {
		v.RemainingMg = 0
		v.Status = VialStatusEmpty
	} else if v.Status == VialStatusSealed {
		v.Status = VialStatusInUse
	}
}
