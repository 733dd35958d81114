// Package migrations contains database migration definitions and functionality for possync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

const createTablesSQL = `
	-- Queued client mutations awaiting reconciliation
	CREATE TABLE sync_records (
		id uuid PRIMARY KEY,
		session_id text NOT NULL DEFAULT '',
		entity_type text NOT NULL,
		entity_id text NOT NULL DEFAULT '',
		action text NOT NULL CHECK (action IN ('create', 'update', 'delete')),
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		data_hash text NOT NULL,
		status text NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed', 'error', 'conflict')),
		error_message text NOT NULL DEFAULT '',
		retry_count integer NOT NULL DEFAULT 0,
		max_retries integer NOT NULL DEFAULT 3,
		priority text NOT NULL DEFAULT 'normal'
			CHECK (priority IN ('low', 'normal', 'high', 'critical')),
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		synced_at timestamp with time zone
	);

	-- Conflicts parked for manual review
	CREATE TABLE conflict_records (
		id uuid PRIMARY KEY,
		sync_record_id uuid NOT NULL REFERENCES sync_records(id),
		entity_type text NOT NULL,
		entity_id text NOT NULL,
		server_data jsonb NOT NULL DEFAULT '{}'::jsonb,
		client_data jsonb NOT NULL DEFAULT '{}'::jsonb,
		conflicts jsonb NOT NULL DEFAULT '[]'::jsonb,
		status text NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'resolved', 'ignored')),
		resolution text NOT NULL DEFAULT '',
		resolved_data jsonb,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		resolved_at timestamp with time zone,
		resolved_by text NOT NULL DEFAULT ''
	);

	-- Registry-driven entity storage: one JSONB document per entity
	CREATE TABLE entities (
		entity_type text NOT NULL,
		id text NOT NULL,
		data jsonb NOT NULL DEFAULT '{}'::jsonb,
		active boolean NOT NULL DEFAULT true,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_type, id)
	);

	-- Performance indexes
	CREATE INDEX idx_sync_records_pending
		ON sync_records(session_id, created_at) WHERE status = 'pending';
	CREATE INDEX idx_sync_records_status ON sync_records(status);
	CREATE INDEX idx_conflict_records_pending
		ON conflict_records(created_at) WHERE status = 'pending';
	CREATE INDEX idx_entities_data ON entities USING gin (data jsonb_path_ops);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_sync_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Create all tables and indexes in a single transaction
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("possync_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Apply migrations
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	// Check if migration is needed
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
