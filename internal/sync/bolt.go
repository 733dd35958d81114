package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords   = []byte("records")
	bucketConflicts = []byte("conflicts")
)

// BoltQueueStore is the terminal-local QueueStore over a bbolt file. A POS
// terminal keeps enqueueing mutations into it while the server is
// unreachable; on reconnect the same store is drained against the remote
// gateway. bbolt serializes writers, so the single-drain assumption holds
// without extra locking.
type BoltQueueStore struct {
	db         *bolt.DB
	staleAfter time.Duration
}

// OpenBoltQueueStore opens (or creates) the queue file and its buckets.
func OpenBoltQueueStore(path string, staleAfter time.Duration) (*BoltQueueStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketConflicts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare queue buckets: %w", err)
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &BoltQueueStore{db: db, staleAfter: staleAfter}, nil
}

// Close closes the underlying bolt file.
func (s *BoltQueueStore) Close() error {
	return s.db.Close()
}

// Enqueue persists a new sync record, assigning an id when the record
// carries none.
func (s *BoltQueueStore) Enqueue(_ context.Context, rec *SyncRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRecords), rec.ID, rec)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue sync record: %w", err)
	}
	return rec.ID, nil
}

// ClaimPending scans for pending records, marks up to limit of them
// processing inside one write transaction and returns them in created_at
// order.
func (s *BoltQueueStore) ClaimPending(_ context.Context, sessionID string, limit int) ([]SyncRecord, error) {
	var claimed []SyncRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		var pending []SyncRecord
		if err := b.ForEach(func(_, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("error decoding sync record: %w", err)
			}
			if rec.Status != StatusPending {
				return nil
			}
			if sessionID != "" && rec.SessionID != sessionID {
				return nil
			}
			pending = append(pending, rec)
			return nil
		}); err != nil {
			return err
		}

		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		})
		if limit > 0 && len(pending) > limit {
			pending = pending[:limit]
		}

		for i := range pending {
			pending[i].Status = StatusProcessing
			if err := putJSON(b, pending[i].ID, &pending[i]); err != nil {
				return err
			}
		}
		claimed = pending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending records: %w", err)
	}
	return claimed, nil
}

// UpdateStatus writes a record's outcome.
func (s *BoltQueueStore) UpdateStatus(_ context.Context, id string, status Status, upd StatusUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		rec, err := getRecord(b, id)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.ErrorMessage = upd.ErrorMessage
		if upd.SyncedAt != nil {
			rec.SyncedAt = upd.SyncedAt
		}
		if upd.RetryCount != nil {
			rec.RetryCount = *upd.RetryCount
		}
		return putJSON(b, id, rec)
	})
}

// GetRecord loads one sync record by id.
func (s *BoltQueueStore) GetRecord(_ context.Context, id string) (*SyncRecord, error) {
	var rec *SyncRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(bucketRecords), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CountByStatus returns live record counts per status.
func (s *BoltQueueStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("error decoding sync record: %w", err)
			}
			counts[rec.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count sync records: %w", err)
	}
	return counts, nil
}

// RequeueStale returns records stuck in processing to pending. The bolt
// store has no per-record claim timestamp, so every processing record is
// considered stale; callers only invoke this between drains.
func (s *BoltQueueStore) RequeueStale(_ context.Context) (int, error) {
	requeued := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		var stuck []SyncRecord
		if err := b.ForEach(func(_, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("error decoding sync record: %w", err)
			}
			if rec.Status == StatusProcessing {
				stuck = append(stuck, rec)
			}
			return nil
		}); err != nil {
			return err
		}
		for i := range stuck {
			stuck[i].Status = StatusPending
			if err := putJSON(b, stuck[i].ID, &stuck[i]); err != nil {
				return err
			}
		}
		requeued = len(stuck)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to re-queue stale records: %w", err)
	}
	return requeued, nil
}

// SaveConflict persists a conflict record parked for manual review.
func (s *BoltQueueStore) SaveConflict(_ context.Context, c *ConflictRecord) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketConflicts), c.ID, c)
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist conflict record: %w", err)
	}
	return c.ID, nil
}

// GetConflict loads one conflict record by id.
func (s *BoltQueueStore) GetConflict(_ context.Context, id string) (*ConflictRecord, error) {
	var conflict *ConflictRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		conflict, err = getConflict(tx.Bucket(bucketConflicts), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conflict, nil
}

// PendingConflicts lists conflicts awaiting review, oldest first.
func (s *BoltQueueStore) PendingConflicts(_ context.Context, limit int) ([]ConflictRecord, error) {
	var pending []ConflictRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(_, v []byte) error {
			var c ConflictRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("error decoding conflict record: %w", err)
			}
			if c.Status == ConflictPending {
				pending = append(pending, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkConflictResolved finalizes a pending conflict record.
func (s *BoltQueueStore) MarkConflictResolved(_ context.Context, id string, res Resolution, resolvedData Payload, resolvedBy string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConflicts)
		c, err := getConflict(b, id)
		if err != nil {
			return err
		}
		if c.Status != ConflictPending {
			return fmt.Errorf("%w: %s", ErrConflictFinalized, id)
		}
		c.Status = ConflictResolved
		c.Resolution = res
		c.ResolvedData = resolvedData
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = &at
		return putJSON(b, id, c)
	})
}

func getRecord(b *bolt.Bucket, id string) (*SyncRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	var rec SyncRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("error decoding sync record %s: %w", id, err)
	}
	return &rec, nil
}

func getConflict(b *bolt.Bucket, id string) (*ConflictRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	var c ConflictRecord
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("error decoding conflict record %s: %w", id, err)
	}
	return &c, nil
}

func putJSON(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}
