package sync

import (
	"context"
	"time"
)

// EntityGateway is the capability surface the engine uses to read and write
// entities. Implementations return ErrEntityNotFound for missing entities so
// redirection (update->create, delete->no-op) stays an explicit branch.
type EntityGateway interface {
	// Get returns the entity's current field values. The returned payload
	// includes the "id" key and, for deactivatable types, the "active" flag.
	Get(ctx context.Context, entityType, id string) (Payload, error)
	Exists(ctx context.Context, entityType, id string) (bool, error)
	// Create stores a new entity and returns its id. A pre-assigned id in
	// data["id"] is honored; otherwise one is generated.
	Create(ctx context.Context, entityType string, data Payload) (string, error)
	// Update merges the given fields over the entity's stored values.
	Update(ctx context.Context, entityType, id string, data Payload) error
	Delete(ctx context.Context, entityType, id string) error
	// SoftDeactivate clears the entity's active flag instead of deleting it.
	SoftDeactivate(ctx context.Context, entityType, id string) error
	// FindByUniqueField returns the id of the entity whose field matches the
	// given value, or ErrEntityNotFound.
	FindByUniqueField(ctx context.Context, entityType, field string, value any) (string, error)
	// FindDependents lists relation fields on other entity types holding a
	// reference to the given entity.
	FindDependents(ctx context.Context, entityType, id string) ([]Dependent, error)
}

// QueueStore persists sync and conflict records. Implementations exist for
// PostgreSQL (server side) and bbolt (terminal-local offline queue).
type QueueStore interface {
	// Enqueue persists a new record and returns its id, assigning one when
	// the record carries none.
	Enqueue(ctx context.Context, rec *SyncRecord) (string, error)
	// ClaimPending atomically moves up to limit pending records to
	// processing and returns them ordered by created_at ascending. An empty
	// sessionID claims across all sessions.
	ClaimPending(ctx context.Context, sessionID string, limit int) ([]SyncRecord, error)
	// UpdateStatus writes a record's outcome. Returns ErrRecordNotFound when
	// no record has the given id.
	UpdateStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error
	GetRecord(ctx context.Context, id string) (*SyncRecord, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// RequeueStale returns records left in processing by an interrupted
	// drain to pending. Callers invoke it before the first drain, never
	// while one is running.
	RequeueStale(ctx context.Context) (int, error)

	SaveConflict(ctx context.Context, c *ConflictRecord) (string, error)
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	// PendingConflicts lists conflicts awaiting review, oldest first.
	PendingConflicts(ctx context.Context, limit int) ([]ConflictRecord, error)
	// MarkConflictResolved finalizes a pending conflict. Returns
	// ErrConflictFinalized when the conflict is no longer pending.
	MarkConflictResolved(ctx context.Context, id string, res Resolution, resolvedData Payload, resolvedBy string, at time.Time) error
}

// Notifier announces applied entity changes to interested parties. Delivery
// is fire-and-forget: implementations log failures and never surface them to
// the sync pipeline.
type Notifier interface {
	Notify(ctx context.Context, entityType, entityID string, action Action)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, string, string, Action) {}
