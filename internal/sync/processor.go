package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tilldesk/possync/internal/retry"
	"github.com/tilldesk/possync/internal/schema"
)

// BatchResult aggregates one drain over the sync queue. Success is false as
// soon as any record errored or was parked for manual resolution; per-record
// detail is preserved in the group results rather than collapsed into a
// single message.
type BatchResult struct {
	Success           bool
	Processed         int
	Completed         int
	Errors            int
	Conflicts         int // records parked for manual resolution
	ConflictsResolved int // field conflicts settled automatically
	Groups            []GroupResult
}

// GroupResult is the per-entity-type detail of a drain.
type GroupResult struct {
	EntityType        string
	Processed         int
	Completed         int
	Errors            int
	Conflicts         int
	ConflictsResolved int
	Failures          []RecordFailure
	Notes             []RecordNote
}

// RecordFailure preserves one record's error for display and remediation.
type RecordFailure struct {
	RecordID string
	EntityID string
	Message  string
}

// RecordNote carries a resolution note for a record that completed after
// automatic conflict resolution.
type RecordNote struct {
	RecordID string
	Note     string
}

// recordOutcome is the explicit result of processing a single record,
// replacing exception-driven control flow with a plain variant.
type recordOutcome struct {
	status   Status // completed, error or conflict
	note     string
	resolved int // field conflicts settled automatically
	err      error
}

func completedOutcome(note string, resolved int) recordOutcome {
	return recordOutcome{status: StatusCompleted, note: note, resolved: resolved}
}

func errorOutcome(err error) recordOutcome {
	return recordOutcome{status: StatusError, err: err}
}

// Processor drains the sync queue: it claims pending records, groups them by
// entity type, dispatches each mutation against the entity gateway with
// conflict detection and resolution, and writes every record's outcome back.
// One record's failure never aborts the batch.
type Processor struct {
	store    QueueStore
	gateway  EntityGateway
	registry *schema.Registry
	detector *Detector
	resolver *Resolver
	notifier Notifier
	// groupConcurrency bounds how many entity-type groups run at once.
	// Groups touch disjoint entity types, so cross-group concurrency never
	// reorders records within a group.
	groupConcurrency int
}

// NewProcessor wires a batch processor. A nil notifier is replaced with
// NopNotifier; groupConcurrency values below 1 disable cross-group fan-out.
func NewProcessor(store QueueStore, gateway EntityGateway, registry *schema.Registry, resolver *Resolver, notifier Notifier, groupConcurrency int) *Processor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if groupConcurrency < 1 {
		groupConcurrency = 1
	}
	return &Processor{
		store:            store,
		gateway:          gateway,
		registry:         registry,
		detector:         NewDetector(registry),
		resolver:         resolver,
		notifier:         notifier,
		groupConcurrency: groupConcurrency,
	}
}

// DrainQueue claims up to maxBatchSize pending records (optionally scoped to
// a session), processes them grouped by entity type, and returns the
// aggregated result. Records within a group are handled strictly in
// created_at order; groups fan out up to the configured concurrency.
func (p *Processor) DrainQueue(ctx context.Context, sessionID string, maxBatchSize int) (*BatchResult, error) {
	records, err := p.store.ClaimPending(ctx, sessionID, maxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending records: %w", err)
	}

	result := &BatchResult{Success: true}
	if len(records) == 0 {
		return result, nil
	}

	// Group by entity type, preserving first-appearance group order and
	// created_at order within each group.
	var order []string
	groups := make(map[string][]SyncRecord)
	for _, rec := range records {
		if _, seen := groups[rec.EntityType]; !seen {
			order = append(order, rec.EntityType)
		}
		groups[rec.EntityType] = append(groups[rec.EntityType], rec)
	}

	groupResults := make([]GroupResult, len(order))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.groupConcurrency)
	for i, entityType := range order {
		eg.Go(func() error {
			groupResults[i] = p.processGroup(egCtx, entityType, groups[entityType])
			return nil
		})
	}
	_ = eg.Wait() // group workers report through their result slot

	for _, gr := range groupResults {
		result.Processed += gr.Processed
		result.Completed += gr.Completed
		result.Errors += gr.Errors
		result.Conflicts += gr.Conflicts
		result.ConflictsResolved += gr.ConflictsResolved
	}
	result.Groups = groupResults
	result.Success = result.Errors == 0 && result.Conflicts == 0

	logrus.WithFields(logrus.Fields{
		"processed":          result.Processed,
		"completed":          result.Completed,
		"errors":             result.Errors,
		"conflicts":          result.Conflicts,
		"conflicts_resolved": result.ConflictsResolved,
		"groups":             len(result.Groups),
	}).Info("Drained sync queue")
	return result, nil
}

// processGroup handles all records of one entity type sequentially. An
// unknown entity type fails the whole group with a shared reason.
func (p *Processor) processGroup(ctx context.Context, entityType string, records []SyncRecord) GroupResult {
	gr := GroupResult{EntityType: entityType, Processed: len(records)}

	et, known := p.registry.Lookup(entityType)
	if !known {
		groupErr := fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
		logrus.WithField("entity_type", entityType).WithError(groupErr).Error("Failing entire record group")
		for _, rec := range records {
			p.writeOutcome(ctx, &rec, errorOutcome(groupErr), &gr)
		}
		return gr
	}

	for _, rec := range records {
		logrus.WithFields(logrus.Fields{
			"record":      rec.ID,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
			"action":      rec.Action,
		}).Debug("Processing sync record")

		outcome := p.processRecord(ctx, et, &rec)
		p.writeOutcome(ctx, &rec, outcome, &gr)
	}
	return gr
}

// processRecord dispatches one mutation. All expected "not there" outcomes
// are explicit branches: create redirects to update on a duplicate, update
// redirects to create on a missing entity, delete of an absent entity is a
// success.
func (p *Processor) processRecord(ctx context.Context, et schema.EntityType, rec *SyncRecord) recordOutcome {
	switch rec.Action {
	case ActionCreate:
		return p.processCreate(ctx, et, rec)
	case ActionUpdate:
		return p.processUpdate(ctx, et, rec)
	case ActionDelete:
		return p.processDelete(ctx, et, rec)
	default:
		return errorOutcome(fmt.Errorf("%w: %q", ErrUnknownAction, rec.Action))
	}
}

// processCreate runs duplicate detection before creating: a payload id or a
// unique-field match redirects the create to an update of the existing
// entity, so replayed queues never mint duplicates.
func (p *Processor) processCreate(ctx context.Context, et schema.EntityType, rec *SyncRecord) recordOutcome {
	matchID, err := p.findDuplicate(ctx, et, rec)
	if err != nil {
		return errorOutcome(err)
	}
	if matchID != "" {
		logrus.WithFields(logrus.Fields{
			"record":      rec.ID,
			"entity_type": et.Name,
			"entity_id":   matchID,
		}).Debug("Create matched existing entity, redirecting to update")
		return p.applyUpdate(ctx, et, rec, matchID)
	}

	id, err := p.gateway.Create(ctx, et.Name, rec.Payload)
	if err != nil {
		return errorOutcome(fmt.Errorf("failed to create %s: %w", et.Name, err))
	}
	p.notifier.Notify(ctx, et.Name, id, ActionCreate)
	return completedOutcome("", 0)
}

// findDuplicate returns the id of an existing entity the create collides
// with: an explicit payload id that exists, or the first unique-field match.
func (p *Processor) findDuplicate(ctx context.Context, et schema.EntityType, rec *SyncRecord) (string, error) {
	candidate := rec.EntityID
	if id, ok := rec.Payload["id"].(string); ok && id != "" {
		candidate = id
	}
	if candidate != "" {
		exists, err := p.gateway.Exists(ctx, et.Name, candidate)
		if err != nil {
			return "", fmt.Errorf("failed duplicate check by id: %w", err)
		}
		if exists {
			return candidate, nil
		}
	}

	for _, f := range et.UniqueFields() {
		value, ok := rec.Payload[f.Name]
		if !ok || stringOf(value) == "" {
			continue
		}
		id, err := p.gateway.FindByUniqueField(ctx, et.Name, f.Name, value)
		switch {
		case err == nil:
			return id, nil
		case isNotFound(err):
			continue
		default:
			return "", fmt.Errorf("failed duplicate check by %s: %w", f.Name, err)
		}
	}
	return "", nil
}

// processUpdate loads the target entity, redirecting to create when it no
// longer exists, and otherwise runs conflict detection before writing.
func (p *Processor) processUpdate(ctx context.Context, et schema.EntityType, rec *SyncRecord) recordOutcome {
	if rec.EntityID == "" {
		return errorOutcome(fmt.Errorf("update of %s requires an entity id", et.Name))
	}
	return p.applyUpdate(ctx, et, rec, rec.EntityID)
}

// applyUpdate is the shared update path for genuine updates and redirected
// creates.
func (p *Processor) applyUpdate(ctx context.Context, et schema.EntityType, rec *SyncRecord, entityID string) recordOutcome {
	current, err := p.gateway.Get(ctx, et.Name, entityID)
	if isNotFound(err) {
		// The entity vanished server-side; recreate it under its old id so
		// existing references stay valid.
		data := make(Payload, len(rec.Payload)+1)
		for k, v := range rec.Payload {
			data[k] = v
		}
		data["id"] = entityID
		id, createErr := p.gateway.Create(ctx, et.Name, data)
		if createErr != nil {
			return errorOutcome(fmt.Errorf("failed to recreate missing %s: %w", et.Name, createErr))
		}
		p.notifier.Notify(ctx, et.Name, id, ActionCreate)
		return completedOutcome("entity was missing, update redirected to create", 0)
	}
	if err != nil {
		return errorOutcome(fmt.Errorf("failed to load %s %s: %w", et.Name, entityID, err))
	}

	detection, err := p.detector.Detect(et.Name, current, rec.Payload, rec.DataHash)
	if err != nil {
		return errorOutcome(err)
	}

	if !detection.HasConflict {
		if err := p.gateway.Update(ctx, et.Name, entityID, rec.Payload); err != nil {
			return errorOutcome(fmt.Errorf("failed to update %s %s: %w", et.Name, entityID, err))
		}
		p.notifier.Notify(ctx, et.Name, entityID, ActionUpdate)
		return completedOutcome("", 0)
	}

	resolution := p.resolver.Resolve(et.Name, current, rec.Payload, detection)
	if resolution.Manual {
		if err := p.parkConflict(ctx, rec, entityID, current, detection); err != nil {
			return errorOutcome(err)
		}
		return recordOutcome{status: StatusConflict, note: resolution.Note}
	}
	if resolution.Apply {
		if err := p.gateway.Update(ctx, et.Name, entityID, resolution.Data); err != nil {
			return errorOutcome(fmt.Errorf("failed to write resolved %s %s: %w", et.Name, entityID, err))
		}
		p.notifier.Notify(ctx, et.Name, entityID, ActionUpdate)
	}
	return completedOutcome(resolution.Note, len(detection.Conflicts))
}

// parkConflict persists a ConflictRecord snapshot for human review.
func (p *Processor) parkConflict(ctx context.Context, rec *SyncRecord, entityID string, current Payload, detection *ConflictResult) error {
	conflict := &ConflictRecord{
		SyncRecordID: rec.ID,
		EntityType:   rec.EntityType,
		EntityID:     entityID,
		ServerData:   current,
		ClientData:   rec.Payload,
		Conflicts:    detection.Conflicts,
		Status:       ConflictPending,
		CreatedAt:    time.Now(),
	}
	id, err := p.store.SaveConflict(ctx, conflict)
	if err != nil {
		return fmt.Errorf("failed to persist conflict record: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"conflict":    id,
		"record":      rec.ID,
		"entity_type": rec.EntityType,
		"entity_id":   entityID,
		"fields":      len(detection.Conflicts),
	}).Warn("Conflict parked for manual resolution")
	return nil
}

// processDelete treats an absent entity as success, soft-deactivates when
// dependent references exist and the type supports it, and hard-deletes
// otherwise.
func (p *Processor) processDelete(ctx context.Context, et schema.EntityType, rec *SyncRecord) recordOutcome {
	if rec.EntityID == "" {
		return errorOutcome(fmt.Errorf("delete of %s requires an entity id", et.Name))
	}

	exists, err := p.gateway.Exists(ctx, et.Name, rec.EntityID)
	if err != nil {
		return errorOutcome(fmt.Errorf("failed existence check for %s %s: %w", et.Name, rec.EntityID, err))
	}
	if !exists {
		return completedOutcome("entity already absent", 0)
	}

	dependents, err := p.gateway.FindDependents(ctx, et.Name, rec.EntityID)
	if err != nil {
		return errorOutcome(fmt.Errorf("failed dependency scan for %s %s: %w", et.Name, rec.EntityID, err))
	}
	if len(dependents) > 0 {
		if !et.SoftDeactivate {
			return errorOutcome(fmt.Errorf("%w: %s %s is referenced by %d relation(s), e.g. %s.%s",
				ErrHasDependencies, et.Name, rec.EntityID, len(dependents), dependents[0].EntityType, dependents[0].Field))
		}
		if err := p.gateway.SoftDeactivate(ctx, et.Name, rec.EntityID); err != nil {
			return errorOutcome(fmt.Errorf("failed to deactivate %s %s: %w", et.Name, rec.EntityID, err))
		}
		p.notifier.Notify(ctx, et.Name, rec.EntityID, ActionUpdate)
		return completedOutcome(fmt.Sprintf("deactivated instead of deleted: %d dependent reference(s)", len(dependents)), 0)
	}

	if err := p.gateway.Delete(ctx, et.Name, rec.EntityID); err != nil {
		return errorOutcome(fmt.Errorf("failed to delete %s %s: %w", et.Name, rec.EntityID, err))
	}
	p.notifier.Notify(ctx, et.Name, rec.EntityID, ActionDelete)
	return completedOutcome("", 0)
}

// writeOutcome persists a record's outcome and folds it into the group
// result. The status write is retried briefly so a connection blip does not
// lose an already-applied result.
func (p *Processor) writeOutcome(ctx context.Context, rec *SyncRecord, outcome recordOutcome, gr *GroupResult) {
	upd := StatusUpdate{}
	switch outcome.status {
	case StatusCompleted:
		now := time.Now()
		upd.SyncedAt = &now
		gr.Completed++
		gr.ConflictsResolved += outcome.resolved
		if outcome.note != "" {
			gr.Notes = append(gr.Notes, RecordNote{RecordID: rec.ID, Note: outcome.note})
			logrus.WithFields(logrus.Fields{
				"record": rec.ID,
				"note":   outcome.note,
			}).Info("Sync record completed with resolution note")
		}
	case StatusConflict:
		upd.ErrorMessage = outcome.note
		gr.Conflicts++
		gr.Failures = append(gr.Failures, RecordFailure{RecordID: rec.ID, EntityID: rec.EntityID, Message: outcome.note})
	default:
		upd.ErrorMessage = outcome.err.Error()
		gr.Errors++
		gr.Failures = append(gr.Failures, RecordFailure{RecordID: rec.ID, EntityID: rec.EntityID, Message: outcome.err.Error()})
		logrus.WithFields(logrus.Fields{
			"record":      rec.ID,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
			"action":      rec.Action,
		}).WithError(outcome.err).Error("Failed to process sync record")
	}

	err := retry.WithOperation(ctx, retry.QueueWriteDefaults(), func() error {
		return p.store.UpdateStatus(ctx, rec.ID, outcome.status, upd)
	}, "sync record status update")
	if err != nil {
		gr.Errors++
		gr.Failures = append(gr.Failures, RecordFailure{RecordID: rec.ID, EntityID: rec.EntityID, Message: err.Error()})
		logrus.WithError(err).WithField("record", rec.ID).Error("Failed to persist sync record outcome after retries")
	}
}

// isNotFound matches the gateway's and store's not-found sentinels.
func isNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrRecordNotFound)
}
