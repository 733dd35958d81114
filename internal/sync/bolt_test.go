package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltStore(t *testing.T) *BoltQueueStore {
	t.Helper()
	store, err := OpenBoltQueueStore(filepath.Join(t.TempDir(), "queue.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func boltEnqueue(t *testing.T, store *BoltQueueStore, session, entityType, entityID string, createdAt time.Time) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), &SyncRecord{
		SessionID:  session,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     ActionUpdate,
		Payload:    Payload{"price": 3.5},
		DataHash:   "h",
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		Priority:   PriorityNormal,
		CreatedAt:  createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestBoltEnqueueAndGet(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	id := boltEnqueue(t, store, "till-1", "products", "p-1", time.Time{})
	require.NotEmpty(t, id)

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "products", rec.EntityType)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero(), "a creation time is assigned")

	_, err = store.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

// TestBoltClaimPendingOrder verifies claims come back oldest first even when
// enqueue order and key order disagree.
func TestBoltClaimPendingOrder(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	second := boltEnqueue(t, store, "", "products", "p-2", base.Add(2*time.Second))
	first := boltEnqueue(t, store, "", "products", "p-1", base.Add(time.Second))
	third := boltEnqueue(t, store, "", "products", "p-3", base.Add(3*time.Second))

	claimed, err := store.ClaimPending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, []string{first, second, third},
		[]string{claimed[0].ID, claimed[1].ID, claimed[2].ID})

	for _, rec := range claimed {
		assert.Equal(t, StatusProcessing, rec.Status)
	}

	// Claimed records stay invisible to a second claim.
	again, err := store.ClaimPending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBoltClaimPendingSessionAndLimit(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	boltEnqueue(t, store, "till-1", "products", "p-1", base.Add(time.Second))
	boltEnqueue(t, store, "till-2", "products", "p-2", base.Add(2*time.Second))
	boltEnqueue(t, store, "till-1", "products", "p-3", base.Add(3*time.Second))

	claimed, err := store.ClaimPending(ctx, "till-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "p-1", claimed[0].EntityID)
	assert.Equal(t, "till-1", claimed[0].SessionID)
}

func TestBoltUpdateStatus(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	id := boltEnqueue(t, store, "", "products", "p-1", time.Now())
	now := time.Now()
	retries := 2

	err := store.UpdateStatus(ctx, id, StatusError, StatusUpdate{ErrorMessage: "boom", RetryCount: &retries})
	require.NoError(t, err)

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, "boom", rec.ErrorMessage)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Nil(t, rec.SyncedAt)

	// A later success clears the message and stamps the sync time.
	err = store.UpdateStatus(ctx, id, StatusCompleted, StatusUpdate{SyncedAt: &now})
	require.NoError(t, err)

	rec, err = store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, 2, rec.RetryCount, "nil RetryCount leaves the stored count untouched")
	require.NotNil(t, rec.SyncedAt)

	err = store.UpdateStatus(ctx, "missing", StatusError, StatusUpdate{})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestBoltCountByStatus(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	a := boltEnqueue(t, store, "", "products", "p-1", time.Now())
	boltEnqueue(t, store, "", "products", "p-2", time.Now())
	require.NoError(t, store.UpdateStatus(ctx, a, StatusCompleted, StatusUpdate{}))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusCompleted: 1}, counts)
}

func TestBoltRequeueStale(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	boltEnqueue(t, store, "", "products", "p-1", time.Now())
	boltEnqueue(t, store, "", "products", "p-2", time.Now())

	claimed, err := store.ClaimPending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := store.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
}

func TestBoltConflictLifecycle(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	recID := boltEnqueue(t, store, "", "products", "p-1", time.Now())
	id, err := store.SaveConflict(ctx, &ConflictRecord{
		SyncRecordID: recID,
		EntityType:   "products",
		EntityID:     "p-1",
		ServerData:   Payload{"price": 12.0},
		ClientData:   Payload{"price": 10.0},
		Conflicts: []FieldConflict{
			{Field: "price", ServerValue: 12.0, ClientValue: 10.0, Kind: ConflictKindValueMismatch},
		},
		Status: ConflictPending,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := store.PendingConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	at := time.Now()
	err = store.MarkConflictResolved(ctx, id, ResolutionUseClient, Payload{"price": 10.0}, "mgr-7", at)
	require.NoError(t, err)

	resolved, err := store.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)
	assert.Equal(t, ResolutionUseClient, resolved.Resolution)
	assert.Equal(t, "mgr-7", resolved.ResolvedBy)
	assert.Equal(t, Payload{"price": 10.0}, resolved.ResolvedData)
	require.NotNil(t, resolved.ResolvedAt)

	pending, err = store.PendingConflicts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Finalizing twice is rejected.
	err = store.MarkConflictResolved(ctx, id, ResolutionUseServer, nil, "mgr-7", at)
	assert.ErrorIs(t, err, ErrConflictFinalized)

	_, err = store.GetConflict(ctx, "missing")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

// TestBoltSurvivesReopen verifies queued work persists across process
// restarts, the point of the terminal-local queue file.
func TestBoltSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	store, err := OpenBoltQueueStore(path, time.Minute)
	require.NoError(t, err)
	id, err := store.Enqueue(ctx, &SyncRecord{
		EntityType: "orders",
		EntityID:   "o-1",
		Action:     ActionCreate,
		Payload:    Payload{"total": 10.5},
		DataHash:   "h",
		Status:     StatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenBoltQueueStore(path, time.Minute)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "o-1", rec.EntityID)
	assert.Equal(t, StatusPending, rec.Status)
}
