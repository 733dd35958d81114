// Package sync implements the offline-first synchronization engine for the
// tilldesk point-of-sale platform: a persistent queue of client mutations, a
// batch processor with per-record failure isolation, content-hash conflict
// detection with field-level diffing, and a pluggable conflict resolver.
package sync

import (
	"errors"
	"time"
)

// Action is the mutation kind carried by a sync record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status is the processing state of a sync record.
//
// Records move pending -> processing -> {completed | error | conflict}.
// An explicit retry returns an error or conflict record to pending while
// retry_count < max_retries; a retry at the limit forces terminal error.
// Completed records are never reprocessed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusConflict   Status = "conflict"
)

// Priority is an advisory ordering hint. Processing order is created_at
// ascending regardless; priority is stored for display and triage only.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DefaultMaxRetries bounds explicit retries of a failed record.
const DefaultMaxRetries = 3

// Payload is the opaque field-value map submitted with a mutation.
type Payload = map[string]any

// SyncRecord is one queued client mutation awaiting reconciliation with
// authoritative server state. Field names are the storage contract shared
// with the API layer and the terminal clients.
type SyncRecord struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id,omitempty"`
	Action       Action     `json:"action"`
	Payload      Payload    `json:"payload"`
	DataHash     string     `json:"data_hash"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	Priority     Priority   `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
}

// FieldConflict is one detected per-field divergence between the server's
// current value and the client's submitted value.
type FieldConflict struct {
	Field       string `json:"field"`
	ServerValue any    `json:"server_value"`
	ClientValue any    `json:"client_value"`
	Kind        string `json:"kind"`
}

// ConflictKindValueMismatch is the only conflict kind the detector emits.
const ConflictKindValueMismatch = "value_mismatch"

// ConflictStatus is the review state of a persisted conflict record.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	// ConflictIgnored is reserved for the review surface dismissing a
	// conflict without touching the entity or the sync record.
	ConflictIgnored ConflictStatus = "ignored"
)

// Resolution names how a persisted conflict was settled.
type Resolution string

const (
	ResolutionUseServer Resolution = "use_server"
	ResolutionUseClient Resolution = "use_client"
	ResolutionMerge     Resolution = "merge"
	ResolutionCustom    Resolution = "custom"
)

// ConflictRecord captures a divergence parked for human adjudication. Only
// the manual strategy creates these; only ResolveConflictRecord finalizes
// them.
type ConflictRecord struct {
	ID           string          `json:"id"`
	SyncRecordID string          `json:"sync_record_id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	ServerData   Payload         `json:"server_data"`
	ClientData   Payload         `json:"client_data"`
	Conflicts    []FieldConflict `json:"conflicts"`
	Status       ConflictStatus  `json:"status"`
	Resolution   Resolution      `json:"resolution,omitempty"`
	ResolvedData Payload         `json:"resolved_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
}

/// Sentinel errors shared across the engine. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrRecordNotFound     = errors.New("sync record not found")
	ErrConflictNotFound   = errors.New("conflict record not found")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrAlreadyCompleted   = errors.New("sync record already completed")
	ErrConflictFinalized  = errors.New("conflict record already finalized")
	ErrRetryLimit         = errors.New("retry limit reached")
	ErrHasDependencies    = errors.New("entity has dependent references")
	ErrUnknownEntityType  = errors.New("unknown entity type")
	ErrUnknownAction      = errors.New("unknown sync action")
	ErrUnknownResolution  = errors.New("unknown conflict resolution")
	ErrCustomDataRequired = errors.New("custom resolution requires resolved data")
	ErrNotRetryable       = errors.New("sync record is not in a retryable state")
	ErrSyncDisabled       = errors.New("synchronization is disabled")
)

// Dependent identifies a referencing entity type and the relation field
// pointing at the entity under deletion.
type Dependent struct {
	EntityType string
	Field      string
}

// StatusUpdate carries the per-record outcome written back after processing.
// Nil pointer fields leave the stored value untouched; an empty ErrorMessage
// clears any previous message.
type StatusUpdate struct {
	SyncedAt     *time.Time
	ErrorMessage string
	RetryCount   *int
}
