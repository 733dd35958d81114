package sync

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tilldesk/possync/internal/migrations"
	"github.com/tilldesk/possync/internal/schema"
)

func setupPostgreSQLContainer(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, pgConnStr)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func setupIntegrationService(ctx context.Context, t *testing.T, strategy Strategy) (*Service, *PgQueueStore, *PgEntityGateway) {
	t.Helper()
	pool := setupPostgreSQLContainer(ctx, t)
	registry := schema.Default()
	store := NewPgQueueStore(pool, time.Minute)
	gateway := NewPgEntityGateway(pool, registry)
	svc := NewService(Config{Strategy: strategy}, store, gateway, registry, NewPgNotifier(pool))
	return svc, store, gateway
}

// TestIntegrationDrainLifecycle runs the full path against a real PostgreSQL:
// enqueue, claim with SKIP LOCKED, apply, mark completed.
func TestIntegrationDrainLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	svc, store, gateway := setupIntegrationService(ctx, t, StrategyMerge)

	_, err := gateway.Create(ctx, "products", Payload{"id": "p-1", "name": "espresso", "price": 3.5})
	require.NoError(t, err)

	// An update whose recorded hash matches the current server state takes
	// the fast path and applies without a field diff.
	current, err := gateway.Get(ctx, "products", "p-1")
	require.NoError(t, err)
	fields, err := schema.Default().SyncableFields("products")
	require.NoError(t, err)
	currentHash, err := HashPayload(syncableValues(fields, current))
	require.NoError(t, err)

	updateID, err := store.Enqueue(ctx, &SyncRecord{
		SessionID:  "till-1",
		EntityType: "products",
		EntityID:   "p-1",
		Action:     ActionUpdate,
		Payload:    Payload{"price": 4.0},
		DataHash:   currentHash,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		Priority:   PriorityNormal,
	})
	require.NoError(t, err)

	createID, err := svc.Enqueue(ctx, EnqueueRequest{
		EntityType: "customers",
		SessionID:  "till-1",
		Action:     ActionCreate,
		Payload:    Payload{"name": "Ada", "email": "ada@example.com"},
	})
	require.NoError(t, err)

	result, err := svc.DrainQueue(ctx, "till-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Completed)

	updated, err := gateway.Get(ctx, "products", "p-1")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, updated["price"], 0.001)

	rec, err := store.GetRecord(ctx, updateID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.SyncedAt)

	rec, err = store.GetRecord(ctx, createID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	// The duplicate customer is redirected to an update, not re-created.
	_, err = svc.Enqueue(ctx, EnqueueRequest{
		EntityType: "customers",
		SessionID:  "till-1",
		Action:     ActionCreate,
		Payload:    Payload{"name": "Ada L.", "email": "ada@example.com"},
	})
	require.NoError(t, err)
	result, err = svc.DrainQueue(ctx, "till-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	var count int
	err = store.pool.QueryRow(ctx,
		`SELECT count(*) FROM entities WHERE entity_type = 'customers'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestIntegrationManualConflict parks a divergent update under the manual
// strategy and resolves it with the client's data.
func TestIntegrationManualConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	svc, store, gateway := setupIntegrationService(ctx, t, StrategyManual)

	_, err := gateway.Create(ctx, "products", Payload{"id": "p-1", "name": "espresso", "price": 3.5})
	require.NoError(t, err)

	// Hash of a state the server no longer has, so detection runs a diff.
	stale, err := HashPayload(Payload{"name": "espresso", "price": 3.0})
	require.NoError(t, err)
	recordID, err := store.Enqueue(ctx, &SyncRecord{
		SessionID:  "till-1",
		EntityType: "products",
		EntityID:   "p-1",
		Action:     ActionUpdate,
		Payload:    Payload{"price": 3.0},
		DataHash:   stale,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		Priority:   PriorityNormal,
	})
	require.NoError(t, err)

	result, err := svc.DrainQueue(ctx, "till-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	rec, err := store.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, rec.Status)

	pending, err := svc.PendingConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	conflict := pending[0]
	assert.Equal(t, recordID, conflict.SyncRecordID)
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, "price", conflict.Conflicts[0].Field)

	err = svc.ResolveConflictRecord(ctx, conflict.ID, ResolutionUseClient, nil, "mgr-7")
	require.NoError(t, err)

	entity, err := gateway.Get(ctx, "products", "p-1")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, entity["price"], 0.001)

	rec, err = store.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	resolved, err := store.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)
	assert.Equal(t, "mgr-7", resolved.ResolvedBy)

	// A second resolution attempt is rejected.
	err = svc.ResolveConflictRecord(ctx, conflict.ID, ResolutionUseServer, nil, "mgr-7")
	assert.ErrorIs(t, err, ErrConflictFinalized)
}

// TestIntegrationDeleteDependency exercises the dependency scan and soft
// deactivation against real JSONB relation lookups.
func TestIntegrationDeleteDependency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	svc, store, gateway := setupIntegrationService(ctx, t, StrategyMerge)

	_, err := gateway.Create(ctx, "products", Payload{"id": "p-1", "name": "espresso", "price": 3.5})
	require.NoError(t, err)
	_, err = gateway.Create(ctx, "order_lines", Payload{
		"id": "l-1", "order": "o-1", "product": "p-1", "quantity": 2.0, "price": 3.5, "amount": 7.0,
	})
	require.NoError(t, err)

	recordID, err := svc.Enqueue(ctx, EnqueueRequest{
		EntityType: "products",
		EntityID:   "p-1",
		SessionID:  "till-1",
		Action:     ActionDelete,
		Payload:    Payload{"id": "p-1"},
	})
	require.NoError(t, err)

	result, err := svc.DrainQueue(ctx, "till-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	rec, err := store.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	// Referenced by an order line, so the product is deactivated in place.
	entity, err := gateway.Get(ctx, "products", "p-1")
	require.NoError(t, err)
	assert.Equal(t, false, entity["active"])
}
