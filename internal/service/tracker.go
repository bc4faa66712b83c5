// Package service exposes the user-facing mutation surface. Every mutation
// writes the local store optimistically and enqueues a sync operation; the
// remote replica converges later. Local writes are never rolled back
// because a remote attempt failed.
package service

import (
	"encoding/json"
	"sync"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/dedup"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/store"
	"github.com/doselog/doselog/internal/sync/queue"
	"github.com/doselog/doselog/internal/tombstone"
	"github.com/doselog/doselog/internal/uuid"
)

// Tracker is the application service over the local store, sync queue and
// tombstone tracker. Construct one per session and pass it by reference;
// there is no ambient instance.
type Tracker struct {
	mu         sync.Mutex
	store      *store.Store
	queue      *queue.Queue
	tombstones *tombstone.Tracker
	clock      clock.Clock
}

// NewTracker creates a Tracker.
func NewTracker(st *store.Store, q *queue.Queue, tombstones *tombstone.Tracker, clk clock.Clock) *Tracker {
	return &Tracker{
		store:      st,
		queue:      q,
		tombstones: tombstones,
		clock:      clk,
	}
}

// Load prepares the store for a session: sweeps expired tombstones and
// collapses duplicate records. Schema migration happens inside LoadData.
func (t *Tracker) Load() (*models.DataDocument, error) {
	if _, err := t.tombstones.SweepExpired(); err != nil {
		logging.Error("Tombstone sweep failed", err, nil)
	}
	if _, err := t.RunDedup(); err != nil {
		return nil, err
	}
	return t.store.LoadData(), nil
}

// Data returns the current entity document.
func (t *Tracker) Data() *models.DataDocument {
	return t.store.LoadData()
}

// LogInjection validates and records a dose, linking it to its vial when
// one is referenced. The vial's remaining amount is drawn down in the same
// document write and its update is queued alongside the injection create.
func (t *Tracker) LogInjection(inj models.Injection) (models.Injection, error) {
	if err := inj.Validate(); err != nil {
		return inj, errors.Wrap(errors.ErrValidation, "invalid injection", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if inj.ID == "" {
		inj.ID = models.UUID(uuid.New())
	}
	inj.UpdatedAt = t.clock.Now().UnixMilli()

	doc := t.store.LoadData()

	var drawnVial *models.Vial
	if inj.VialID != "" {
		idx := doc.FindVial(string(inj.VialID))
		if idx < 0 {
			return inj, errors.Newf(errors.ErrValidation, "referenced vial %s does not exist", inj.VialID)
		}
		doc.Vials[idx].Draw(inj.Dose)
		doc.Vials[idx].UpdatedAt = inj.UpdatedAt
		drawnVial = &doc.Vials[idx]
	}

	doc.Injections = append(doc.Injections, inj)
	if err := t.saveData(doc); err != nil {
		return inj, err
	}

	t.enqueue(models.OperationCreate, models.EntityInjections, string(inj.ID), inj)
	if drawnVial != nil {
		t.enqueue(models.OperationUpdate, models.EntityVials, string(drawnVial.ID), drawnVial)
	}
	return inj, nil
}

// AddVial validates and records a new inventory vial.
func (t *Tracker) AddVial(vial models.Vial) (models.Vial, error) {
	if vial.Status == "" {
		vial.Status = models.VialStatusSealed
	}
	if vial.RemainingMg == 0 && vial.Status == models.VialStatusSealed {
		vial.RemainingMg = vial.TotalAmountMg
	}
	if err := vial.Validate(); err != nil {
		return vial, errors.Wrap(errors.ErrValidation, "invalid vial", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if vial.ID == "" {
		vial.ID = models.UUID(uuid.New())
	}
	vial.UpdatedAt = t.clock.Now().UnixMilli()

	doc := t.store.LoadData()
	doc.Vials = append(doc.Vials, vial)
	if err := t.saveData(doc); err != nil {
		return vial, err
	}

	t.enqueue(models.OperationCreate, models.EntityVials, string(vial.ID), vial)
	return vial, nil
}

// LogWeight validates and records a body-weight sample.
func (t *Tracker) LogWeight(w models.Weight) (models.Weight, error) {
	if err := w.Validate(); err != nil {
		return w, errors.Wrap(errors.ErrValidation, "invalid weight sample", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if w.ID == "" {
		w.ID = models.UUID(uuid.New())
	}
	w.UpdatedAt = t.clock.Now().UnixMilli()

	doc := t.store.LoadData()
	doc.Weights = append(doc.Weights, w)
	if err := t.saveData(doc); err != nil {
		return w, err
	}

	t.enqueue(models.OperationCreate, models.EntityWeights, string(w.ID), w)
	return w, nil
}

// UpdateInjection replaces an existing injection record.
func (t *Tracker) UpdateInjection(inj models.Injection) error {
	if err := inj.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid injection", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.store.LoadData()
	idx := doc.FindInjection(string(inj.ID))
	if idx < 0 {
		return errors.Newf(errors.ErrNotFound, "injection %s not found", inj.ID)
	}
	inj.UpdatedAt = t.clock.Now().UnixMilli()
	doc.Injections[idx] = inj
	if err := t.saveData(doc); err != nil {
		return err
	}

	t.enqueue(models.OperationUpdate, models.EntityInjections, string(inj.ID), inj)
	return nil
}

// SaveSettings stores the user's preferences and queues the update.
func (t *Tracker) SaveSettings(s models.Settings) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.UpdatedAt = t.clock.Now().UnixMilli()
	doc := t.store.LoadData()
	doc.Settings = s
	if err := t.saveData(doc); err != nil {
		return err
	}

	t.enqueue(models.OperationUpdate, models.EntitySettings, s.EntityID(), s)
	return nil
}

// DeleteInjection removes an injection locally, records a tombstone so a
// lagging pull cannot resurrect it, drops any unsent create/update
// operations for it, and queues the remote delete. If an unsent create was
// dropped, the remote never saw the record and no delete is queued.
// The removed record is returned so the caller can offer undo.
func (t *Tracker) DeleteInjection(id string) (models.Injection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.store.LoadData()
	idx := doc.FindInjection(id)
	if idx < 0 {
		return models.Injection{}, errors.Newf(errors.ErrNotFound, "injection %s not found", id)
	}
	removed := doc.Injections[idx]
	doc.Injections = append(doc.Injections[:idx], doc.Injections[idx+1:]...)
	if err := t.saveData(doc); err != nil {
		return removed, err
	}

	t.finishDelete(models.EntityInjections, id)
	return removed, nil
}

// DeleteVial removes a vial; see DeleteInjection for the delete protocol.
func (t *Tracker) DeleteVial(id string) (models.Vial, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.store.LoadData()
	idx := doc.FindVial(id)
	if idx < 0 {
		return models.Vial{}, errors.Newf(errors.ErrNotFound, "vial %s not found", id)
	}
	removed := doc.Vials[idx]
	doc.Vials = append(doc.Vials[:idx], doc.Vials[idx+1:]...)
	if err := t.saveData(doc); err != nil {
		return removed, err
	}

	t.finishDelete(models.EntityVials, id)
	return removed, nil
}

// DeleteWeight removes a weight sample; see DeleteInjection for the
// delete protocol.
func (t *Tracker) DeleteWeight(id string) (models.Weight, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.store.LoadData()
	idx := doc.FindWeight(id)
	if idx < 0 {
		return models.Weight{}, errors.Newf(errors.ErrNotFound, "weight sample %s not found", id)
	}
	removed := doc.Weights[idx]
	doc.Weights = append(doc.Weights[:idx], doc.Weights[idx+1:]...)
	if err := t.saveData(doc); err != nil {
		return removed, err
	}

	t.finishDelete(models.EntityWeights, id)
	return removed, nil
}

// finishDelete runs the shared tail of every local deletion.
func (t *Tracker) finishDelete(entityType models.EntityType, id string) {
	if err := t.tombstones.RecordDeletion(id); err != nil {
		logging.Error("Failed to record tombstone", err,
			map[string]interface{}{"entity_id": id})
	}

	dropped, hadCreate := t.queue.RemoveForEntity(id)
	if dropped > 0 {
		logging.Debug("Dropped queued operations for deleted entity",
			map[string]interface{}{"entity_id": id, "dropped": dropped})
	}
	if hadCreate {
		// The create never reached the remote; nothing to delete there.
		return
	}
	t.enqueue(models.OperationDelete, entityType, id, nil)
}

// UndoDeleteInjection cancels the tombstone and restores the record. Must
// run before the tombstone expires; afterwards the remote delete may have
// landed and the record is re-created remotely via the queued create.
func (t *Tracker) UndoDeleteInjection(inj models.Injection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tombstones.Cancel(string(inj.ID)); err != nil {
		return err
	}

	doc := t.store.LoadData()
	inj.UpdatedAt = t.clock.Now().UnixMilli()
	doc.Injections = append(doc.Injections, inj)
	if err := t.saveData(doc); err != nil {
		return err
	}

	t.enqueue(models.OperationCreate, models.EntityInjections, string(inj.ID), inj)
	return nil
}

// UndoDeleteVial restores a deleted vial; see UndoDeleteInjection.
func (t *Tracker) UndoDeleteVial(vial models.Vial) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tombstones.Cancel(string(vial.ID)); err != nil {
		return err
	}

	doc := t.store.LoadData()
	vial.UpdatedAt = t.clock.Now().UnixMilli()
	doc.Vials = append(doc.Vials, vial)
	if err := t.saveData(doc); err != nil {
		return err
	}

	t.enqueue(models.OperationCreate, models.EntityVials, string(vial.ID), vial)
	return nil
}

// UndoDeleteWeight restores a deleted weight sample; see UndoDeleteInjection.
func (t *Tracker) UndoDeleteWeight(w models.Weight) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tombstones.Cancel(string(w.ID)); err != nil {
		return err
	}

	doc := t.store.LoadData()
	w.UpdatedAt = t.clock.Now().UnixMilli()
	doc.Weights = append(doc.Weights, w)
	if err := t.saveData(doc); err != nil {
		return err
	}

	t.enqueue(models.OperationCreate, models.EntityWeights, string(w.ID), w)
	return nil
}

// DedupReport summarizes a dedup pass.
type DedupReport struct {
	InjectionsRemoved int
	VialsRemoved      int
	WeightsRemoved    int
}

// RunDedup collapses accidental duplicates in every collection. Losing
// records are removed locally, tombstoned so a pull cannot bring them
// back before the remote converges, and queued for remote deletion.
func (t *Tracker) RunDedup() (*DedupReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.store.LoadData()
	report := &DedupReport{}

	injResult := dedup.Deduplicate(doc.Injections,
		models.Injection.DedupKey, models.Injection.CompletenessScore)
	vialResult := dedup.Deduplicate(doc.Vials,
		models.Vial.DedupKey, models.Vial.CompletenessScore)
	weightResult := dedup.Deduplicate(doc.Weights,
		models.Weight.DedupKey, models.Weight.CompletenessScore)

	report.InjectionsRemoved = len(injResult.Removed)
	report.VialsRemoved = len(vialResult.Removed)
	report.WeightsRemoved = len(weightResult.Removed)

	if report.InjectionsRemoved+report.VialsRemoved+report.WeightsRemoved == 0 {
		return report, nil
	}

	doc.Injections = injResult.Surviving
	doc.Vials = vialResult.Surviving
	doc.Weights = weightResult.Surviving
	if err := t.saveData(doc); err != nil {
		return report, err
	}

	for _, inj := range injResult.Removed {
		t.finishDelete(models.EntityInjections, string(inj.ID))
	}
	for _, v := range vialResult.Removed {
		t.finishDelete(models.EntityVials, string(v.ID))
	}
	for _, w := range weightResult.Removed {
		t.finishDelete(models.EntityWeights, string(w.ID))
	}

	logging.Info("Dedup pass removed duplicate records",
		map[string]interface{}{
			"injections": report.InjectionsRemoved,
			"vials":      report.VialsRemoved,
			"weights":    report.WeightsRemoved,
		})

	return report, nil
}

// ClearFailedOperation removes one terminal failed sync operation.
func (t *Tracker) ClearFailedOperation(id string) error {
	return t.queue.ClearFailed(id)
}

// ClearAllFailed removes every terminal failed sync operation.
func (t *Tracker) ClearAllFailed() (int, error) {
	return t.queue.ClearAllFailed()
}

// enqueue marshals the payload and appends the operation, logging instead
// of failing the local mutation: optimistic writes are never rolled back
// because the queue write failed.
func (t *Tracker) enqueue(opType models.OperationType, entityType models.EntityType, id string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			logging.Error("Failed to encode operation payload", err,
				map[string]interface{}{"entity_id": id})
			return
		}
		raw = encoded
	}
	if _, err := t.queue.Enqueue(opType, entityType, id, raw); err != nil {
		logging.Error("Failed to enqueue sync operation", err,
			map[string]interface{}{
				"entity_id": id,
				"type":      string(opType),
			})
	}
}

// saveData persists the document. On quota exhaustion the queue and
// tombstone tracker have already pruned what they own; here we surface the
// error to the caller after one retry.
func (t *Tracker) saveData(doc *models.DataDocument) error {
	err := t.store.SaveData(doc)
	if err == nil || !errors.Is(err, errors.ErrStorageQuota) {
		return err
	}

	// Reclaim space owned by the sync subsystem, then retry the write once.
	if pruned, pruneErr := t.queue.ClearAllFailed(); pruneErr == nil && pruned > 0 {
		logging.Warn("Storage quota hit, cleared failed operations",
			map[string]interface{}{"pruned": pruned})
	}
	if swept, sweepErr := t.tombstones.SweepExpired(); sweepErr == nil && swept > 0 {
		logging.Warn("Storage quota hit, swept expired tombstones",
			map[string]interface{}{"swept": swept})
	}
	return t.store.SaveData(doc)
}
