package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Mock, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	return Load(st, clk), clk, st
}

func payload() json.RawMessage {
	return json.RawMessage(`{"id":"e1"}`)
}

// TestEnqueueDefaults verifies a new operation's initial state.
func TestEnqueueDefaults(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op, err := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if op.ID == "" {
		t.Error("Expected generated operation id")
	}
	if op.Status != models.OperationStatusPending {
		t.Errorf("Expected pending status, got %s", op.Status)
	}
	if op.RetryCount != 0 {
		t.Errorf("Expected zero retry count, got %d", op.RetryCount)
	}
	now := clk.Now().UnixMilli()
	if op.AddedAt != now || op.NextRetryAt != now {
		t.Errorf("Expected timestamps at enqueue instant, got added=%d next=%d", op.AddedAt, op.NextRetryAt)
	}
}

// TestEnqueueValidation verifies malformed mutations never reach the queue.
func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t)

	tests := []struct {
		name       string
		opType     models.OperationType
		entityType models.EntityType
		entityID   string
		payload    json.RawMessage
	}{
		{"bad op type", "upsert", models.EntityInjections, "e1", payload()},
		{"bad entity type", models.OperationCreate, "doses", "e1", payload()},
		{"missing entity id", models.OperationCreate, models.EntityInjections, "", payload()},
		{"create without payload", models.OperationCreate, models.EntityInjections, "e1", nil},
		{"update without payload", models.OperationUpdate, models.EntityInjections, "e1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(tt.opType, tt.entityType, tt.entityID, tt.payload)
			if errors.Code(err) != errors.ErrValidation {
				t.Errorf("Expected VALIDATION_ERROR, got %v", err)
			}
		})
	}

	if q.Len() != 0 {
		t.Errorf("Expected empty queue after rejected enqueues, got %d", q.Len())
	}

	// delete needs no payload
	if _, err := q.Enqueue(models.OperationDelete, models.EntityInjections, "e1", nil); err != nil {
		t.Errorf("Delete without payload failed: %v", err)
	}
}

// TestNextFIFO verifies operations are drained oldest first.
func TestNextFIFO(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	first, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	clk.Advance(time.Millisecond)
	second, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e2", payload())

	got := q.Next()
	if got == nil || got.ID != first.ID {
		t.Fatalf("Expected oldest operation first, got %+v", got)
	}
	if got.Status != models.OperationStatusSyncing {
		t.Errorf("Expected syncing status, got %s", got.Status)
	}

	got = q.Next()
	if got == nil || got.ID != second.ID {
		t.Fatalf("Expected second operation next, got %+v", got)
	}

	if q.Next() != nil {
		t.Error("Expected empty queue to yield nil")
	}
}

// TestNextSkipsBackedOff verifies an operation waiting out its backoff
// window is not selected.
func TestNextSkipsBackedOff(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	q.Next()
	q.Fail(op.ID, errors.New(errors.ErrNetwork, "connection refused"))

	if q.Next() != nil {
		t.Error("Expected no eligible operation inside the backoff window")
	}

	clk.Advance(time.Second)
	if got := q.Next(); got == nil || got.ID != op.ID {
		t.Errorf("Expected operation eligible after backoff, got %+v", got)
	}
}

// TestBackoffSchedule verifies the retry delays: 1s, 2s, 4s, 8s, 16s, then
// terminal failure on the sixth consecutive failure.
func TestBackoffSchedule(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	op, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())

	wantDelays := []int64{1000, 2000, 4000, 8000, 16000}
	for attempt, want := range wantDelays {
		got := q.Next()
		if got == nil {
			t.Fatalf("Attempt %d: expected eligible operation", attempt)
		}
		if err := q.Fail(op.ID, errors.New(errors.ErrNetwork, "connection refused")); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}

		pending := q.Pending()
		if len(pending) != 1 {
			t.Fatalf("Attempt %d: expected operation back in pending, got %+v", attempt, q.Stats())
		}
		delay := pending[0].NextRetryAt - clk.Now().UnixMilli()
		if delay != want {
			t.Errorf("Attempt %d: expected %dms delay, got %dms", attempt, want, delay)
		}
		if pending[0].RetryCount != attempt+1 {
			t.Errorf("Attempt %d: expected retry count %d, got %d", attempt, attempt+1, pending[0].RetryCount)
		}

		clk.Advance(time.Duration(want) * time.Millisecond)
	}

	// sixth failure exhausts the budget
	q.Next()
	q.Fail(op.ID, errors.New(errors.ErrNetwork, "connection refused"))

	failed := q.Failed()
	if len(failed) != 1 {
		t.Fatalf("Expected terminal failed operation, got %+v", q.Stats())
	}
	if failed[0].LastError == "" {
		t.Error("Expected last error recorded")
	}
	if q.Next() != nil {
		t.Error("Expected failed operation never re-attempted")
	}
}

// TestFailNonRetryable verifies a client error goes terminal immediately
// without consuming the retry budget.
func TestFailNonRetryable(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	q.Next()
	q.Fail(op.ID, errors.New(errors.ErrClient, "invalid payload"))

	failed := q.Failed()
	if len(failed) != 1 {
		t.Fatalf("Expected terminal failed operation, got %+v", q.Stats())
	}
	if failed[0].RetryCount != 0 {
		t.Errorf("Expected retry count untouched, got %d", failed[0].RetryCount)
	}
}

// TestComplete verifies confirmed operations leave the queue.
func TestComplete(t *testing.T) {
	q, _, _ := newTestQueue(t)

	op, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	q.Next()

	if err := q.Complete(op.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}

	if err := q.Complete(op.ID); errors.Code(err) != errors.ErrNotFound {
		t.Errorf("Expected NOT_FOUND for unknown operation, got %v", err)
	}
}

// TestClearFailed verifies only terminal operations can be cleared.
func TestClearFailed(t *testing.T) {
	q, _, _ := newTestQueue(t)

	pending, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	if err := q.ClearFailed(pending.ID); errors.Code(err) != errors.ErrValidation {
		t.Errorf("Expected VALIDATION_ERROR clearing a pending operation, got %v", err)
	}

	q.Enqueue(models.OperationCreate, models.EntityInjections, "e2", payload())
	q.Next() // e1 goes syncing
	q.Fail(pending.ID, errors.New(errors.ErrClient, "rejected"))

	if err := q.ClearFailed(pending.ID); err != nil {
		t.Fatalf("ClearFailed failed: %v", err)
	}
	if len(q.Failed()) != 0 {
		t.Error("Expected failed operation cleared")
	}
	if q.Len() != 1 {
		t.Errorf("Expected the other operation kept, got %d", q.Len())
	}
}

// TestClearAllFailed verifies the bulk clear.
func TestClearAllFailed(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	a, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	clk.Advance(time.Millisecond)
	b, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e2", payload())
	clk.Advance(time.Millisecond)
	q.Enqueue(models.OperationCreate, models.EntityInjections, "e3", payload())

	q.Next()
	q.Fail(a.ID, errors.New(errors.ErrClient, "rejected"))
	q.Next()
	q.Fail(b.ID, errors.New(errors.ErrClient, "rejected"))

	removed, err := q.ClearAllFailed()
	if err != nil {
		t.Fatalf("ClearAllFailed failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 cleared, got %d", removed)
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 operation left, got %d", q.Len())
	}
}

// TestRemoveForEntity verifies queued writes for a deleted entity are
// dropped and an unsent create is reported.
func TestRemoveForEntity(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	clk.Advance(time.Millisecond)
	q.Enqueue(models.OperationUpdate, models.EntityInjections, "e1", payload())
	clk.Advance(time.Millisecond)
	q.Enqueue(models.OperationCreate, models.EntityInjections, "other", payload())

	removed, hadCreate := q.RemoveForEntity("e1")
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if !hadCreate {
		t.Error("Expected unsent create reported")
	}
	if q.Len() != 1 {
		t.Errorf("Expected unrelated operation kept, got %d", q.Len())
	}

	// an entity whose create already synced reports no create
	q.Enqueue(models.OperationUpdate, models.EntityInjections, "e2", payload())
	removed, hadCreate = q.RemoveForEntity("e2")
	if removed != 1 || hadCreate {
		t.Errorf("Expected update-only removal, got removed=%d hadCreate=%v", removed, hadCreate)
	}
}

// TestRemoveForEntityKeepsSyncing verifies an in-flight operation is not
// pulled out from under the engine.
func TestRemoveForEntityKeepsSyncing(t *testing.T) {
	q, _, _ := newTestQueue(t)

	q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	q.Next() // in flight

	removed, hadCreate := q.RemoveForEntity("e1")
	if removed != 0 || hadCreate {
		t.Errorf("Expected in-flight operation kept, got removed=%d hadCreate=%v", removed, hadCreate)
	}
	if q.Len() != 1 {
		t.Errorf("Expected operation still queued, got %d", q.Len())
	}
}

// TestPersistenceAcrossLoads verifies the queue survives a restart and
// in-flight operations are recovered to pending.
func TestPersistenceAcrossLoads(t *testing.T) {
	q, clk, st := newTestQueue(t)

	op, _ := q.Enqueue(models.OperationCreate, models.EntityInjections, "e1", payload())
	q.Next() // leave it syncing, simulating a crash mid-flight

	reloaded := Load(st, clk)
	if reloaded.Len() != 1 {
		t.Fatalf("Expected 1 operation after reload, got %d", reloaded.Len())
	}
	got := reloaded.Next()
	if got == nil || got.ID != op.ID {
		t.Errorf("Expected recovered operation eligible again, got %+v", got)
	}
}

// TestLoadCorruptQueue verifies a corrupt persisted queue resets to empty.
func TestLoadCorruptQueue(t *testing.T) {
	_, clk, st := newTestQueue(t)

	st.Set(store.KeyQueue, []byte("[{broken"))
	q := Load(st, clk)
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after corrupt state, got %d", q.Len())
	}
}

// TestQuotaPrunesOldestFailed verifies quota exhaustion during persist
// sacrifices terminal failed operations oldest first, and only as many as
// the write needs; newer failures stay visible for manual clearing.
func TestQuotaPrunesOldestFailed(t *testing.T) {
	st, err := store.Open(t.TempDir(), 2048)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	q := Load(st, clk)

	// park a few failed operations carrying fat payloads
	fat := make([]byte, 400)
	for i := range fat {
		fat[i] = 'x'
	}
	fatPayload := json.RawMessage(`{"notes":"` + string(fat) + `"}`)

	for _, id := range []string{"a", "b", "c"} {
		op, err := q.Enqueue(models.OperationCreate, models.EntityInjections, id, fatPayload)
		if err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
		q.Next()
		q.Fail(op.ID, errors.New(errors.ErrClient, "rejected"))
		clk.Advance(time.Millisecond)
	}

	// this enqueue overflows the quota; only the oldest failed operation
	// needs to go to make room
	op, err := q.Enqueue(models.OperationCreate, models.EntityInjections, "fresh", fatPayload)
	if err != nil {
		t.Fatalf("Enqueue after prune failed: %v", err)
	}

	remaining := q.Failed()
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 failed operations kept, got %d", len(remaining))
	}
	for _, kept := range remaining {
		if kept.EntityID == "a" {
			t.Errorf("Expected oldest failed operation pruned first, got %+v", remaining)
		}
	}
	if remaining[0].EntityID != "b" || remaining[1].EntityID != "c" {
		t.Errorf("Expected newer failures kept in order, got %+v", remaining)
	}

	if got := q.Next(); got == nil || got.ID != op.ID {
		t.Errorf("Expected fresh operation eligible, got %+v", got)
	}
}
