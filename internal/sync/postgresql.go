package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/tilldesk/possync/internal/db"
	"github.com/tilldesk/possync/internal/schema"
)

// PgQueueStore is the server-side QueueStore over PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED, so concurrent drains never pick the same records.
type PgQueueStore struct {
	pool       db.PgxIface
	staleAfter time.Duration
}

// NewPgQueueStore creates the store. staleAfter bounds how long a record may
// sit in processing before RequeueStale reclaims it.
func NewPgQueueStore(pool db.PgxIface, staleAfter time.Duration) *PgQueueStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PgQueueStore{pool: pool, staleAfter: staleAfter}
}

const syncRecordColumns = `id, session_id, entity_type, entity_id, action, payload, data_hash,
		status, error_message, retry_count, max_retries, priority, created_at, synced_at`

// Enqueue persists a new sync record, assigning an id when the record
// carries none.
func (s *PgQueueStore) Enqueue(ctx context.Context, rec *SyncRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}

	query := `INSERT INTO sync_records
			(id, session_id, entity_type, entity_id, action, payload, data_hash,
			 status, retry_count, max_retries, priority, created_at)
		  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.SessionID, rec.EntityType, rec.EntityID, string(rec.Action), payload,
		rec.DataHash, string(rec.Status), rec.RetryCount, rec.MaxRetries, string(rec.Priority), rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert sync record: %w", err)
	}
	return rec.ID, nil
}

// ClaimPending atomically moves up to limit pending records to processing and
// returns them in created_at order. An empty sessionID claims across all
// sessions.
func (s *PgQueueStore) ClaimPending(ctx context.Context, sessionID string, limit int) ([]SyncRecord, error) {
	query := `UPDATE sync_records SET status = 'processing', updated_at = now()
		  WHERE id IN (
			SELECT id FROM sync_records
			WHERE status = 'pending' AND ($1 = '' OR session_id = $1)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		  RETURNING ` + syncRecordColumns

	rows, err := s.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending records: %w", err)
	}
	defer rows.Close()

	records, err := scanSyncRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee the subquery's order.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// UpdateStatus writes a record's outcome. Nil pointer fields in upd leave the
// stored value untouched; ErrorMessage is always written, so an empty value
// clears a previous failure.
func (s *PgQueueStore) UpdateStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error {
	query := `UPDATE sync_records SET
			status = $2,
			error_message = $3,
			synced_at = COALESCE($4, synced_at),
			retry_count = COALESCE($5, retry_count),
			updated_at = now()
		  WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), upd.ErrorMessage, upd.SyncedAt, upd.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to update sync record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return nil
}

// GetRecord loads one sync record by id.
func (s *PgQueueStore) GetRecord(ctx context.Context, id string) (*SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE id = $1`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync record %s: %w", id, err)
	}
	defer rows.Close()

	records, err := scanSyncRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return &records[0], nil
}

// CountByStatus returns live record counts per status.
func (s *PgQueueStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM sync_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("error scanning status count: %w", err)
		}
		counts[Status(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// RequeueStale returns records left in processing by an interrupted drain to
// pending.
func (s *PgQueueStore) RequeueStale(ctx context.Context) (int, error) {
	query := `UPDATE sync_records SET status = 'pending', updated_at = now()
		  WHERE status = 'processing' AND updated_at < now() - $1::interval`
	tag, err := s.pool.Exec(ctx, query, s.staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("failed to re-queue stale records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveConflict persists a conflict record parked for manual review.
func (s *PgQueueStore) SaveConflict(ctx context.Context, c *ConflictRecord) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	serverData, err := json.Marshal(c.ServerData)
	if err != nil {
		return "", fmt.Errorf("failed to serialize server snapshot: %w", err)
	}
	clientData, err := json.Marshal(c.ClientData)
	if err != nil {
		return "", fmt.Errorf("failed to serialize client snapshot: %w", err)
	}
	conflicts, err := json.Marshal(c.Conflicts)
	if err != nil {
		return "", fmt.Errorf("failed to serialize conflict list: %w", err)
	}

	query := `INSERT INTO conflict_records
			(id, sync_record_id, entity_type, entity_id, server_data, client_data,
			 conflicts, status, created_at)
		  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		c.ID, c.SyncRecordID, c.EntityType, c.EntityID, serverData, clientData,
		conflicts, string(c.Status), c.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return c.ID, nil
}

const conflictColumns = `id, sync_record_id, entity_type, entity_id, server_data, client_data,
		conflicts, status, resolution, resolved_data, created_at, resolved_at, resolved_by`

// GetConflict loads one conflict record by id.
func (s *PgQueueStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = $1`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict record %s: %w", id, err)
	}
	defer rows.Close()

	conflicts, err := scanConflictRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return &conflicts[0], nil
}

// PendingConflicts lists conflicts awaiting review, oldest first.
func (s *PgQueueStore) PendingConflicts(ctx context.Context, limit int) ([]ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records
		  WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflictRecords(rows)
}

// MarkConflictResolved finalizes a pending conflict record.
func (s *PgQueueStore) MarkConflictResolved(ctx context.Context, id string, res Resolution, resolvedData Payload, resolvedBy string, at time.Time) error {
	var data []byte
	if resolvedData != nil {
		var err error
		data, err = json.Marshal(resolvedData)
		if err != nil {
			return fmt.Errorf("failed to serialize resolved data: %w", err)
		}
	}
	query := `UPDATE conflict_records SET
			status = 'resolved', resolution = $2, resolved_data = $3,
			resolved_at = $4, resolved_by = $5
		  WHERE id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, string(res), data, at, resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to finalize conflict record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConflictFinalized, id)
	}
	return nil
}

func scanSyncRecords(rows pgx.Rows) ([]SyncRecord, error) {
	var records []SyncRecord
	for rows.Next() {
		var rec SyncRecord
		var action, status, priority string
		var payload []byte
		var syncedAt *time.Time
		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EntityType, &rec.EntityID, &action,
			&payload, &rec.DataHash, &status, &rec.ErrorMessage, &rec.RetryCount,
			&rec.MaxRetries, &priority, &rec.CreatedAt, &syncedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning sync record: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("error decoding payload of record %s: %w", rec.ID, err)
			}
		}
		rec.Action = Action(action)
		rec.Status = Status(status)
		rec.Priority = Priority(priority)
		rec.SyncedAt = syncedAt
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync records: %w", err)
	}
	return records, nil
}

func scanConflictRecords(rows pgx.Rows) ([]ConflictRecord, error) {
	var records []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var status, resolution, resolvedBy string
		var serverData, clientData, conflicts, resolvedData []byte
		var resolvedAt *time.Time
		err := rows.Scan(&c.ID, &c.SyncRecordID, &c.EntityType, &c.EntityID, &serverData,
			&clientData, &conflicts, &status, &resolution, &resolvedData, &c.CreatedAt,
			&resolvedAt, &resolvedBy)
		if err != nil {
			return nil, fmt.Errorf("error scanning conflict record: %w", err)
		}
		if len(serverData) > 0 {
			if err := json.Unmarshal(serverData, &c.ServerData); err != nil {
				return nil, fmt.Errorf("error decoding server snapshot of conflict %s: %w", c.ID, err)
			}
		}
		if len(clientData) > 0 {
			if err := json.Unmarshal(clientData, &c.ClientData); err != nil {
				return nil, fmt.Errorf("error decoding client snapshot of conflict %s: %w", c.ID, err)
			}
		}
		if len(conflicts) > 0 {
			if err := json.Unmarshal(conflicts, &c.Conflicts); err != nil {
				return nil, fmt.Errorf("error decoding conflict list of conflict %s: %w", c.ID, err)
			}
		}
		if len(resolvedData) > 0 {
			if err := json.Unmarshal(resolvedData, &c.ResolvedData); err != nil {
				return nil, fmt.Errorf("error decoding resolved data of conflict %s: %w", c.ID, err)
			}
		}
		c.Status = ConflictStatus(status)
		c.Resolution = Resolution(resolution)
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = resolvedAt
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict records: %w", err)
	}
	return records, nil
}

// PgEntityGateway implements EntityGateway over the registry-driven entities
// table: one JSONB row per entity, keyed by (entity_type, id), with a
// separate active flag for soft deactivation.
type PgEntityGateway struct {
	pool     db.PgxIface
	registry *schema.Registry
}

// NewPgEntityGateway creates the gateway. The registry drives dependency
// scans: only declared relation fields are checked.
func NewPgEntityGateway(pool db.PgxIface, registry *schema.Registry) *PgEntityGateway {
	return &PgEntityGateway{pool: pool, registry: registry}
}

// Get returns the entity's current field values, including id and active.
func (g *PgEntityGateway) Get(ctx context.Context, entityType, id string) (Payload, error) {
	var data []byte
	var active bool
	query := `SELECT data, active FROM entities WHERE entity_type = $1 AND id = $2`
	err := g.pool.QueryRow(ctx, query, entityType, id).Scan(&data, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", entityType, id, err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("error decoding %s %s: %w", entityType, id, err)
	}
	if payload == nil {
		payload = Payload{}
	}
	payload["id"] = id
	payload["active"] = active
	return payload, nil
}

// Exists reports whether the entity is stored.
func (g *PgEntityGateway) Exists(ctx context.Context, entityType, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM entities WHERE entity_type = $1 AND id = $2)`
	if err := g.pool.QueryRow(ctx, query, entityType, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed existence check for %s %s: %w", entityType, id, err)
	}
	return exists, nil
}

// Create stores a new entity, honoring a pre-assigned id in data["id"].
func (g *PgEntityGateway) Create(ctx context.Context, entityType string, data Payload) (string, error) {
	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	active := true
	if a, ok := data["active"].(bool); ok {
		active = a
	}
	stored := make(Payload, len(data))
	for k, v := range data {
		if k == "id" {
			continue
		}
		stored[k] = v
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s: %w", entityType, err)
	}

	query := `INSERT INTO entities (entity_type, id, data, active) VALUES ($1, $2, $3, $4)`
	if _, err := g.pool.Exec(ctx, query, entityType, id, encoded, active); err != nil {
		return "", fmt.Errorf("failed to insert %s %s: %w", entityType, id, err)
	}
	return id, nil
}

// Update merges the given fields over the entity's stored JSONB document.
func (g *PgEntityGateway) Update(ctx context.Context, entityType, id string, data Payload) error {
	patch := make(Payload, len(data))
	for k, v := range data {
		if k == "id" {
			continue
		}
		patch[k] = v
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to serialize %s update: %w", entityType, err)
	}

	query := `UPDATE entities SET
			data = data || $3::jsonb,
			active = COALESCE(($3::jsonb ->> 'active')::boolean, active),
			updated_at = now()
		  WHERE entity_type = $1 AND id = $2`
	tag, err := g.pool.Exec(ctx, query, entityType, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", entityType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrEntityNotFound, entityType, id)
	}
	return nil
}

// Delete removes the entity row.
func (g *PgEntityGateway) Delete(ctx context.Context, entityType, id string) error {
	tag, err := g.pool.Exec(ctx, `DELETE FROM entities WHERE entity_type = $1 AND id = $2`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrEntityNotFound, entityType, id)
	}
	return nil
}

// SoftDeactivate clears the active flag instead of deleting.
func (g *PgEntityGateway) SoftDeactivate(ctx context.Context, entityType, id string) error {
	query := `UPDATE entities SET
			active = false,
			data = jsonb_set(data, '{active}', 'false'::jsonb),
			updated_at = now()
		  WHERE entity_type = $1 AND id = $2`
	tag, err := g.pool.Exec(ctx, query, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s %s: %w", entityType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrEntityNotFound, entityType, id)
	}
	return nil
}

// FindByUniqueField returns the id of the entity whose field holds the given
// value, or ErrEntityNotFound.
func (g *PgEntityGateway) FindByUniqueField(ctx context.Context, entityType, field string, value any) (string, error) {
	var id string
	query := `SELECT id FROM entities WHERE entity_type = $1 AND data ->> $2 = $3 LIMIT 1`
	err := g.pool.QueryRow(ctx, query, entityType, field, stringOf(value)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s with %s = %v", ErrEntityNotFound, entityType, field, value)
	}
	if err != nil {
		return "", fmt.Errorf("failed unique lookup on %s.%s: %w", entityType, field, err)
	}
	return id, nil
}

// FindDependents scans the registry's declared relations targeting the
// entity's type for rows referencing its id. Relation values are stored as a
// bare id or as a reference object with an id key.
func (g *PgEntityGateway) FindDependents(ctx context.Context, entityType, id string) ([]Dependent, error) {
	var dependents []Dependent
	query := `SELECT EXISTS (
			SELECT 1 FROM entities
			WHERE entity_type = $1 AND (data ->> $2 = $3 OR data -> $2 ->> 'id' = $3))`
	for _, rel := range g.registry.RelationsTo(entityType) {
		var exists bool
		if err := g.pool.QueryRow(ctx, query, rel.EntityType, rel.Field, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed dependency scan on %s.%s: %w", rel.EntityType, rel.Field, err)
		}
		if exists {
			dependents = append(dependents, Dependent{EntityType: rel.EntityType, Field: rel.Field})
		}
	}
	return dependents, nil
}

// NotifyChannel is the pg_notify channel carrying applied entity changes.
const NotifyChannel = "possync_changes"

// PgNotifier announces applied changes through pg_notify. Delivery is
// fire-and-forget: failures are logged and never reach the sync pipeline.
type PgNotifier struct {
	pool db.PgxIface
}

// NewPgNotifier creates the notifier.
func NewPgNotifier(pool db.PgxIface) *PgNotifier {
	return &PgNotifier{pool: pool}
}

// Notify implements Notifier.
func (n *PgNotifier) Notify(ctx context.Context, entityType, entityID string, action Action) {
	payload, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"action":      action,
		"ts":          time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to encode change notification")
		return
	}
	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"entity_type": entityType,
			"entity_id":   entityID,
			"action":      action,
		}).Warn("Failed to deliver change notification")
	}
}
