// Package queue provides the durable sync operation queue with exponential
// backoff and retry logic. The queue is persisted after every mutation so a
// crash never loses a pending operation.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/store"
	"github.com/doselog/doselog/internal/uuid"
)

// Retry policy.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultCapDelay   = 16 * time.Second
)

// Queue holds pending sync operations in FIFO order of enqueue.
type Queue struct {
	mu    sync.Mutex
	store *store.Store
	clock clock.Clock
	ops   []*models.SyncOperation

	maxRetries int
	baseDelay  time.Duration
	capDelay   time.Duration
}

// Load reads the persisted queue from the store. A corrupt queue resets to
// empty. Operations left in the syncing state by a crash are returned to
// pending so they are re-attempted.
func Load(st *store.Store, clk clock.Clock) *Queue {
	q := &Queue{
		store:      st,
		clock:      clk,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		capDelay:   DefaultCapDelay,
	}

	var ops []*models.SyncOperation
	q.store.LoadJSON(store.KeyQueue, &ops)

	recovered := 0
	for _, op := range ops {
		if op.Status == models.OperationStatusSyncing {
			op.Status = models.OperationStatusPending
			recovered++
		}
	}
	if recovered > 0 {
		logging.Warn("Recovered in-flight operations from previous session",
			map[string]interface{}{"count": recovered})
	}

	q.ops = ops
	return q
}

// Enqueue appends a new pending operation and persists the queue. It never
// touches the network.
func (q *Queue) Enqueue(opType models.OperationType, entityType models.EntityType, entityID string, payload json.RawMessage) (*models.SyncOperation, error) {
	if err := validate(opType, entityType, entityID, payload); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixMilli()
	op := &models.SyncOperation{
		ID:          uuid.New(),
		Type:        opType,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     payload,
		Status:      models.OperationStatusPending,
		RetryCount:  0,
		NextRetryAt: now,
		AddedAt:     now,
	}
	q.ops = append(q.ops, op)

	if err := q.persistLocked(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return nil, err
	}

	logging.Debug("Enqueued sync operation",
		map[string]interface{}{
			"operation_id": op.ID,
			"type":         string(op.Type),
			"entity_type":  string(op.EntityType),
			"entity_id":    op.EntityID,
		})

	copied := *op
	return &copied, nil
}

// validate rejects malformed mutations before they reach the queue.
func validate(opType models.OperationType, entityType models.EntityType, entityID string, payload json.RawMessage) error {
	switch opType {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return errors.Newf(errors.ErrValidation, "unknown operation type %q", opType)
	}
	switch entityType {
	case models.EntityInjections, models.EntityVials, models.EntityWeights, models.EntitySettings:
	default:
		return errors.Newf(errors.ErrValidation, "unknown entity type %q", entityType)
	}
	if entityID == "" {
		return errors.New(errors.ErrValidation, "entity id is required")
	}
	if opType != models.OperationDelete && len(payload) == 0 {
		return errors.Newf(errors.ErrValidation, "%s operation requires a payload", opType)
	}
	return nil
}

// Next selects the oldest eligible operation (pending, past its retry
// deadline), marks it syncing and returns a copy. Returns nil when the
// queue is idle.
func (q *Queue) Next() *models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixMilli()
	var oldest *models.SyncOperation
	for _, op := range q.ops {
		if !op.Eligible(now) {
			continue
		}
		if oldest == nil || op.AddedAt < oldest.AddedAt {
			oldest = op
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.Status = models.OperationStatusSyncing
	if err := q.persistLocked(); err != nil {
		logging.Error("Failed to persist queue state", err, nil)
	}

	copied := *oldest
	return &copied
}

// Complete removes a confirmed operation from the queue and persists.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return errors.Newf(errors.ErrNotFound, "operation %s not found", id)
	}
	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	return q.persistLocked()
}

// Fail records a failed attempt. Non-retryable causes and attempts past the
// retry budget transition the operation to the terminal failed state;
// otherwise the next attempt is scheduled with exponential backoff.
func (q *Queue) Fail(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return errors.Newf(errors.ErrNotFound, "operation %s not found", id)
	}
	op := q.ops[idx]
	op.LastError = cause.Error()

	if !errors.Retryable(cause) {
		op.Status = models.OperationStatusFailed
		logging.ErrorWithCode("Sync operation failed permanently",
			string(errors.Code(cause)), cause,
			map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
				"retry_count":  op.RetryCount,
			})
		return q.persistLocked()
	}

	delay := q.backoffLocked(op.RetryCount)
	op.RetryCount++

	if op.RetryCount > q.maxRetries {
		op.Status = models.OperationStatusFailed
		logging.ErrorWithCode("Sync operation exhausted retries",
			string(errors.Code(cause)), cause,
			map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
				"retry_count":  op.RetryCount,
			})
		return q.persistLocked()
	}

	op.Status = models.OperationStatusPending
	op.NextRetryAt = q.clock.Now().Add(delay).UnixMilli()

	logging.Warn("Sync operation failed, scheduling retry",
		map[string]interface{}{
			"operation_id": op.ID,
			"entity_id":    op.EntityID,
			"retry":        op.RetryCount,
			"max_retries":  q.maxRetries,
			"delay_ms":     delay.Milliseconds(),
		})

	return q.persistLocked()
}

// backoffLocked computes the delay before the next attempt:
// min(baseDelay * 2^retryCount, capDelay).
func (q *Queue) backoffLocked(retryCount int) time.Duration {
	delay := q.baseDelay << uint(retryCount)
	if delay > q.capDelay || delay <= 0 {
		delay = q.capDelay
	}
	return delay
}

// ClearFailed removes a terminal failed operation without retrying it.
// Only failed operations may be cleared manually.
func (q *Queue) ClearFailed(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return errors.Newf(errors.ErrNotFound, "operation %s not found", id)
	}
	if q.ops[idx].Status != models.OperationStatusFailed {
		return errors.Newf(errors.ErrValidation,
			"operation %s is %s, only failed operations can be cleared", id, q.ops[idx].Status)
	}
	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	return q.persistLocked()
}

// ClearAllFailed removes every terminal failed operation. Returns the
// number removed.
func (q *Queue) ClearAllFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.Status == models.OperationStatusFailed {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, q.persistLocked()
}

// RemoveForEntity drops queued create/update operations for an entity that
// has been hard-deleted locally, so they are never sent. It reports whether
// an unsent create was among them: in that case the remote never saw the
// entity and no remote delete is needed.
func (q *Queue) RemoveForEntity(entityID string) (removed int, hadCreate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.EntityID == entityID &&
			op.Status != models.OperationStatusSyncing &&
			(op.Type == models.OperationCreate || op.Type == models.OperationUpdate) {
			if op.Type == models.OperationCreate {
				hadCreate = true
			}
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if removed > 0 {
		if err := q.persistLocked(); err != nil {
			logging.Error("Failed to persist queue after entity removal", err,
				map[string]interface{}{"entity_id": entityID})
		}
	}
	return removed, hadCreate
}

// Pending returns copies of the pending operations in FIFO order.
func (q *Queue) Pending() []models.SyncOperation {
	return q.byStatus(models.OperationStatusPending)
}

// Failed returns copies of the terminal failed operations in FIFO order.
func (q *Queue) Failed() []models.SyncOperation {
	return q.byStatus(models.OperationStatusFailed)
}

func (q *Queue) byStatus(status models.OperationStatus) []models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.SyncOperation
	for _, op := range q.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AddedAt < out[j].AddedAt })
	return out
}

// Len returns the number of operations in the queue, any status.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stats returns per-status operation counts.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{
		"total":   len(q.ops),
		"pending": 0,
		"syncing": 0,
		"failed":  0,
	}
	for _, op := range q.ops {
		stats[string(op.Status)]++
	}
	return stats
}

func (q *Queue) indexLocked(id string) int {
	for i, op := range q.ops {
		if op.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the queue to the store. On quota exhaustion it
// prunes terminal failed operations oldest first, one at a time, until the
// write fits or none remain.
func (q *Queue) persistLocked() error {
	err := q.store.SaveJSON(store.KeyQueue, q.ops)
	if err == nil || !errors.Is(err, errors.ErrStorageQuota) {
		return err
	}

	// Drop the oldest failed operation and retry, repeating only until the
	// write fits. Recently failed operations stay visible for manual clearing.
	pruned := 0
	for errors.Is(err, errors.ErrStorageQuota) {
		idx := -1
		for i, op := range q.ops {
			if op.Status == models.OperationStatusFailed {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
		pruned++
		err = q.store.SaveJSON(store.KeyQueue, q.ops)
	}

	if pruned > 0 {
		logging.Warn("Storage quota hit persisting queue, pruned oldest failed operations",
			map[string]interface{}{"pruned": pruned})
	}
	return err
}
