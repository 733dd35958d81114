package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilldesk/possync/internal/schema"
)

// Service is the engine facade the API layer talks to: it enqueues client
// mutations, drains the queue through the batch processor, reports status and
// handles the two externally triggered actions (record retry and manual
// conflict resolution).
type Service struct {
	cfg       Config
	store     QueueStore
	gateway   EntityGateway
	registry  *schema.Registry
	resolver  *Resolver
	processor *Processor
	notifier  Notifier
	stats     Stats

	// drainMu enforces at most one in-flight drain through this service.
	// Concurrent services over the same Postgres queue stay safe through the
	// claim's SKIP LOCKED, but a single service never races itself.
	drainMu stdsync.Mutex

	mu         stdsync.Mutex
	lastSyncAt *time.Time
	offline    bool
}

// NewService wires the engine. A nil notifier disables change notifications.
func NewService(cfg Config, store QueueStore, gateway EntityGateway, registry *schema.Registry, notifier Notifier) *Service {
	cfg = cfg.withDefaults()
	resolver := NewResolver(registry, cfg.Strategy)
	return &Service{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		registry:  registry,
		resolver:  resolver,
		processor: NewProcessor(store, gateway, registry, resolver, notifier, cfg.GroupConcurrency),
		notifier:  notifier,
	}
}

// EnqueueRequest is one client mutation submitted for reconciliation.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	SessionID  string
	Action     Action
	Payload    Payload
	Priority   Priority
	MaxRetries int
}

// Enqueue validates and persists a mutation, returning the new record id.
// The payload's content hash is computed here; a payload that cannot be
// serialized fails the enqueue outright instead of being stored with an
// empty hash that would later read as a phantom conflict.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if s.cfg.Disabled {
		return "", ErrSyncDisabled
	}
	switch req.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if _, ok := s.registry.Lookup(req.EntityType); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntityType, req.EntityType)
	}
	if req.Action != ActionDelete && len(req.Payload) == 0 {
		return "", fmt.Errorf("%s of %s requires a payload", req.Action, req.EntityType)
	}
	if req.Action != ActionCreate && req.EntityID == "" {
		return "", fmt.Errorf("%s of %s requires an entity id", req.Action, req.EntityType)
	}

	hash, err := HashPayload(req.Payload)
	if err != nil {
		return "", err
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	rec := &SyncRecord{
		SessionID:  req.SessionID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     req.Action,
		Payload:    req.Payload,
		DataHash:   hash,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Priority:   priority,
		CreatedAt:  time.Now(),
	}
	id, err := s.store.Enqueue(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue sync record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"record":      id,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"action":      req.Action,
		"session":     req.SessionID,
	}).Debug("Enqueued sync record")
	return id, nil
}

// DrainQueue runs one batch over the pending queue, optionally scoped to a
// session, and folds the result into the running statistics.
func (s *Service) DrainQueue(ctx context.Context, sessionID string) (*BatchResult, error) {
	if s.cfg.Disabled {
		return nil, ErrSyncDisabled
	}
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	result, err := s.processor.DrainQueue(ctx, sessionID, s.cfg.BatchSize)
	if err != nil {
		s.setOffline(true)
		return nil, err
	}

	s.stats.Record(result)
	now := time.Now()
	s.mu.Lock()
	s.lastSyncAt = &now
	s.offline = false
	s.mu.Unlock()
	return result, nil
}

func (s *Service) setOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// GetStatus combines the engine flags, live queue counts and the running
// counters into one health view.
func (s *Service) GetStatus(ctx context.Context) (*StatusView, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue records: %w", err)
	}

	s.mu.Lock()
	lastSyncAt := s.lastSyncAt
	offline := s.offline
	s.mu.Unlock()

	snap := s.stats.Snapshot()
	return &StatusView{
		Enabled:     !s.cfg.Disabled,
		Offline:     offline,
		Strategy:    s.resolver.Strategy(),
		LastSyncAt:  lastSyncAt,
		Pending:     counts[StatusPending],
		Errors:      counts[StatusError],
		Conflicts:   counts[StatusConflict],
		Stats:       snap,
		SuccessRate: snap.SuccessRate(),
		ByStatus:    counts,
	}, nil
}

// RetrySyncRecord returns a failed or conflicted record to the pending queue.
// A record already at its retry limit is forced to terminal error instead of
// being re-queued; completed records are rejected.
func (s *Service) RetrySyncRecord(ctx context.Context, id string) error {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	switch rec.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusError, StatusConflict:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, rec.Status)
	}

	if rec.RetryCount >= rec.MaxRetries {
		upd := StatusUpdate{ErrorMessage: fmt.Sprintf("retry limit of %d reached", rec.MaxRetries)}
		if err := s.store.UpdateStatus(ctx, id, StatusError, upd); err != nil {
			return fmt.Errorf("failed to mark record retry-exhausted: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrRetryLimit, id)
	}

	retries := rec.RetryCount + 1
	upd := StatusUpdate{RetryCount: &retries}
	if err := s.store.UpdateStatus(ctx, id, StatusPending, upd); err != nil {
		return fmt.Errorf("failed to re-queue sync record: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"record":  id,
		"attempt": retries,
		"limit":   rec.MaxRetries,
	}).Info("Sync record returned to pending for retry")
	return nil
}

// ResolveConflictRecord settles a parked conflict: use_server keeps the
// entity untouched, use_client writes the stored client snapshot, custom
// writes the supplied data and merge applies the automatic field rules over
// the stored snapshots. On success the linked sync record completes.
func (s *Service) ResolveConflictRecord(ctx context.Context, id string, res Resolution, customData Payload, resolvedBy string) error {
	conflict, err := s.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if conflict.Status != ConflictPending {
		return fmt.Errorf("%w: %s is %s", ErrConflictFinalized, id, conflict.Status)
	}

	var resolvedData Payload
	switch res {
	case ResolutionUseServer:
		// Entity stays as it is.
	case ResolutionUseClient:
		if err := s.gateway.Update(ctx, conflict.EntityType, conflict.EntityID, conflict.ClientData); err != nil {
			return fmt.Errorf("failed to apply client data: %w", err)
		}
	case ResolutionMerge:
		merged := s.resolver.MergePayload(conflict.EntityType, conflict.ClientData, conflict.Conflicts)
		if err := s.gateway.Update(ctx, conflict.EntityType, conflict.EntityID, merged); err != nil {
			return fmt.Errorf("failed to apply merged data: %w", err)
		}
		resolvedData = merged
	case ResolutionCustom:
		if len(customData) == 0 {
			return ErrCustomDataRequired
		}
		if err := s.gateway.Update(ctx, conflict.EntityType, conflict.EntityID, customData); err != nil {
			return fmt.Errorf("failed to apply custom data: %w", err)
		}
		resolvedData = customData
	default:
		return fmt.Errorf("%w: %q", ErrUnknownResolution, res)
	}

	now := time.Now()
	if err := s.store.MarkConflictResolved(ctx, id, res, resolvedData, resolvedBy, now); err != nil {
		return fmt.Errorf("failed to finalize conflict record: %w", err)
	}

	// The parked mutation is settled either way; its record completes.
	upd := StatusUpdate{SyncedAt: &now}
	if err := s.store.UpdateStatus(ctx, conflict.SyncRecordID, StatusCompleted, upd); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("failed to complete linked sync record: %w", err)
	}

	if s.notifier != nil && res != ResolutionUseServer {
		s.notifier.Notify(ctx, conflict.EntityType, conflict.EntityID, ActionUpdate)
	}
	logrus.WithFields(logrus.Fields{
		"conflict":    id,
		"record":      conflict.SyncRecordID,
		"resolution":  res,
		"resolved_by": resolvedBy,
	}).Info("Conflict record resolved")
	return nil
}

// PendingConflicts lists conflicts awaiting review, oldest first.
func (s *Service) PendingConflicts(ctx context.Context, limit int) ([]ConflictRecord, error) {
	return s.store.PendingConflicts(ctx, limit)
}

// Run drains the queue on a fixed interval until the context is canceled.
// Records stuck in processing from an interrupted run are returned to
// pending first, so a crashed drain's claims are not lost.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Disabled {
		return ErrSyncDisabled
	}
	logrus.WithFields(logrus.Fields{
		"interval": s.cfg.DrainInterval,
		"batch":    s.cfg.BatchSize,
		"strategy": s.resolver.Strategy(),
	}).Info("Starting sync drain loop")

	if n, err := s.store.RequeueStale(ctx); err != nil {
		logrus.WithError(err).Error("Failed to re-queue stale processing records")
	} else if n > 0 {
		logrus.WithField("count", n).Warn("Returned stale processing records to pending")
	}

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Sync drain loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.DrainQueue(ctx, ""); err != nil {
				logrus.WithError(err).Error("Failed to drain sync queue")
			}
		}
	}
}
