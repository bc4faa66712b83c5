// Package models provides data model definitions for doselog.
package models

import (
	"encoding/json"
	"time"
)

// OperationType represents a queued mutation intent.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationStatus represents the status of a queued operation.
type OperationStatus string

const (
	OperationStatusPending OperationStatus = "pending"
	OperationStatusSyncing OperationStatus = "syncing"
	OperationStatusFailed  OperationStatus = "failed"
)

// SyncOperation is a single pending mutation awaiting confirmation from the
// remote replica. Operations live in the sync queue and are removed on
// confirmed remote success or on manual clear of a failed operation.
type SyncOperation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      OperationStatus `json:"status"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt int64           `json:"nextRetryAt"` // unix ms
	LastError   string          `json:"lastError,omitempty"`
	AddedAt     int64           `json:"addedAt"` // unix ms
}

// AddedAtTime returns AddedAt as time.Time.
func (op *SyncOperation) AddedAtTime() time.Time {
	return time.UnixMilli(op.AddedAt)
}

// Eligible reports whether the operation may be attempted at the given
// instant: it must be pending and past its retry deadline.
func (op *SyncOperation) Eligible(nowMillis int64) bool {
	return op.Status == OperationStatusPending && op.NextRetryAt <= nowMillis
}
