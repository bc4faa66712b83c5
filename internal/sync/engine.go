// Package sync drives the offline-first synchronization engine: draining
// the durable mutation queue against the remote replica and merging pulled
// snapshots into the local store.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/store"
	"github.com/doselog/doselog/internal/sync/conflict"
	"github.com/doselog/doselog/internal/sync/queue"
	"github.com/doselog/doselog/internal/tombstone"
)

// Remote is the remote persistence collaborator, one REST resource per
// entity type. Satisfied by *api.Client.
type Remote interface {
	List(ctx context.Context, entityType models.EntityType) ([]json.RawMessage, error)
	Create(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, entityType models.EntityType, id string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, entityType models.EntityType, id string) error
}

// Engine coordinates queue processing and pull/merge cycles. Processing is
// strictly serial: a second invocation while a pass is running is rejected,
// preserving per-entity ordering.
type Engine struct {
	store      *store.Store
	queue      *queue.Queue
	tombstones *tombstone.Tracker
	remote     Remote
	clock      clock.Clock

	status statusBoard
}

// ProcessResult reports one queue-draining pass.
type ProcessResult struct {
	Pushed   int // operations confirmed and removed
	Failures int // attempts that failed this pass (retryable or terminal)
	Dropped  int // stale operations dropped without sending
}

// PullResult reports one pull/merge cycle.
type PullResult struct {
	Fetched int // remote records fetched
	Merged  int // records in the merged collections
}

// SyncResult reports a full sync (queue drain then pull).
type SyncResult struct {
	Process  ProcessResult
	Pull     PullResult
	Duration time.Duration
}

// New creates a sync engine. All collaborators are injected so tests can
// construct isolated instances.
func New(st *store.Store, q *queue.Queue, tombstones *tombstone.Tracker, remote Remote, clk clock.Clock) *Engine {
	e := &Engine{
		store:      st,
		queue:      q,
		tombstones: tombstones,
		remote:     remote,
		clock:      clk,
	}
	e.status.init(q)
	return e
}

// ProcessQueue drains eligible operations serially against the remote.
// Returns SYNC_IN_PROGRESS if a pass is already running; timers and
// reconnect events may both try to trigger processing concurrently.
func (e *Engine) ProcessQueue(ctx context.Context) (*ProcessResult, error) {
	if !e.status.begin() {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync pass is already running")
	}
	defer e.status.end(e.clock.Now())

	result := &ProcessResult{}
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		op := e.queue.Next()
		if op == nil {
			break
		}

		if e.isStale(op) {
			// The entity was hard-deleted locally after this create/update
			// was queued; it must be dropped, not sent.
			logging.Info("Dropping stale operation for deleted entity",
				map[string]interface{}{
					"operation_id": op.ID,
					"entity_id":    op.EntityID,
					"type":         string(op.Type),
				})
			if err := e.queue.Complete(op.ID); err != nil {
				logging.Error("Failed to drop stale operation", err, nil)
			}
			result.Dropped++
			continue
		}

		if err := e.dispatch(ctx, op); err != nil {
			result.Failures++
			if failErr := e.queue.Fail(op.ID, err); failErr != nil {
				logging.Error("Failed to record operation failure", failErr,
					map[string]interface{}{"operation_id": op.ID})
			}
			continue
		}

		if err := e.queue.Complete(op.ID); err != nil {
			logging.Error("Failed to remove confirmed operation", err,
				map[string]interface{}{"operation_id": op.ID})
		}
		result.Pushed++
	}

	return result, nil
}

// isStale reports whether a create/update operation references an entity
// that no longer exists locally.
func (e *Engine) isStale(op *models.SyncOperation) bool {
	if op.Type == models.OperationDelete || op.EntityType == models.EntitySettings {
		return false
	}
	doc := e.store.LoadData()
	switch op.EntityType {
	case models.EntityInjections:
		return doc.FindInjection(op.EntityID) < 0
	case models.EntityVials:
		return doc.FindVial(op.EntityID) < 0
	case models.EntityWeights:
		return doc.FindWeight(op.EntityID) < 0
	}
	return false
}

// dispatch invokes the remote verb matching the operation.
func (e *Engine) dispatch(ctx context.Context, op *models.SyncOperation) error {
	switch op.Type {
	case models.OperationCreate:
		_, err := e.remote.Create(ctx, op.EntityType, op.Payload)
		return err
	case models.OperationUpdate:
		_, err := e.remote.Update(ctx, op.EntityType, op.EntityID, op.Payload)
		return err
	case models.OperationDelete:
		return e.remote.Delete(ctx, op.EntityType, op.EntityID)
	default:
		return errors.Newf(errors.ErrValidation, "unknown operation type %q", op.Type)
	}
}

// Pull fetches a remote snapshot per entity type and merges it into the
// local store, consulting the tombstone tracker. A fetch or decode failure
// on one entity type is logged and the pull continues with the others.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	result := &PullResult{}

	injections, okInjections := e.fetch(ctx, models.EntityInjections, result)
	vials, okVials := e.fetch(ctx, models.EntityVials, result)
	weights, okWeights := e.fetch(ctx, models.EntityWeights, result)
	settings, okSettings := e.fetch(ctx, models.EntitySettings, result)

	// The document must be read after every network round trip has finished;
	// local writes that land while fetches are in flight merge rather than
	// being overwritten by a stale copy.
	doc := e.store.LoadData()
	isTombstoned := e.tombstones.IsTombstoned

	if okInjections {
		remote := decodeAll[models.Injection](models.EntityInjections, injections)
		doc.Injections = conflict.Merge(doc.Injections, remote, isTombstoned)
	}
	if okVials {
		remote := decodeAll[models.Vial](models.EntityVials, vials)
		doc.Vials = conflict.Merge(doc.Vials, remote, isTombstoned)
	}
	if okWeights {
		remote := decodeAll[models.Weight](models.EntityWeights, weights)
		doc.Weights = conflict.Merge(doc.Weights, remote, isTombstoned)
	}
	if okSettings {
		for _, s := range decodeAll[models.Settings](models.EntitySettings, settings) {
			doc.Settings = conflict.MergeSettings(doc.Settings, s)
		}
	}

	result.Merged = len(doc.Injections) + len(doc.Vials) + len(doc.Weights)

	if err := e.store.SaveData(doc); err != nil {
		return result, errors.Wrap(errors.ErrSyncFailed, "failed to persist merged data", err)
	}
	return result, nil
}

func (e *Engine) fetch(ctx context.Context, entityType models.EntityType, result *PullResult) ([]json.RawMessage, bool) {
	items, err := e.remote.List(ctx, entityType)
	if err != nil {
		logging.Error("Failed to fetch remote snapshot", err,
			map[string]interface{}{"entity_type": string(entityType)})
		return nil, false
	}
	result.Fetched += len(items)
	return items, true
}

// decodeAll unmarshals raw remote records, skipping malformed ones.
func decodeAll[E models.Entity](entityType models.EntityType, items []json.RawMessage) []E {
	out := make([]E, 0, len(items))
	for _, raw := range items {
		var rec E
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.ErrorWithCode("Skipping malformed remote record", "PARSE_ERROR", err,
				map[string]interface{}{"entity_type": string(entityType)})
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Sync performs a full cycle: drain the queue, then pull and merge.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	start := e.clock.Now()
	result := &SyncResult{}

	processed, err := e.ProcessQueue(ctx)
	if err != nil {
		return result, err
	}
	result.Process = *processed

	pulled, err := e.Pull(ctx)
	if pulled != nil {
		result.Pull = *pulled
	}
	result.Duration = e.clock.Now().Sub(start)
	if err != nil {
		return result, err
	}

	logging.Info("Sync completed",
		map[string]interface{}{
			"pushed":  result.Process.Pushed,
			"dropped": result.Process.Dropped,
			"fetched": result.Pull.Fetched,
			"merged":  result.Pull.Merged,
		})

	return result, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	return e.status.snapshot()
}

// Subscribe registers a status listener. The current status is published
// immediately, then on each change. The returned cancel func unsubscribes.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	return e.status.subscribe()
}
