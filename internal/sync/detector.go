package sync

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tilldesk/possync/internal/schema"
)

// ConflictResult is the outcome of comparing server state against a queued
// client mutation. Both hashes are kept for diagnostics.
type ConflictResult struct {
	HasConflict  bool
	Conflicts    []FieldConflict
	ServerHash   string
	RecordedHash string
}

// Detector decides whether a queued mutation diverges from current server
// state. The cheap content hash short-circuits the common case; the
// field-level diff runs only when the hash says something changed, and only
// over fields the client actually submitted — untouched fields cannot
// conflict.
type Detector struct {
	registry *schema.Registry
}

// NewDetector creates a Detector over the given field-kind registry.
func NewDetector(registry *schema.Registry) *Detector {
	return &Detector{registry: registry}
}

// Detect compares the current entity against the incoming payload.
// recordedHash is the payload's content hash captured at enqueue time: when
// it matches the hash of the entity's current syncable values, the client's
// view was current (or the client resubmitted identical state) and the
// payload applies without conflict.
func (d *Detector) Detect(entityType string, current, incoming Payload, recordedHash string) (*ConflictResult, error) {
	fields, err := d.registry.SyncableFields(entityType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	serverHash, err := HashPayload(syncableValues(fields, current))
	if err != nil {
		return nil, fmt.Errorf("failed to hash current entity state: %w", err)
	}

	result := &ConflictResult{ServerHash: serverHash, RecordedHash: recordedHash}
	if serverHash == recordedHash {
		return result, nil
	}

	// Diff in sorted field order so conflict lists are deterministic.
	names := make([]string, 0, len(incoming))
	for name := range incoming {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind, declared := d.registry.FieldKind(entityType, name)
		if !declared {
			continue // computed or audit field, never conflicts
		}
		serverValue, onServer := current[name]
		if !onServer {
			continue // field absent on server state, nothing to diverge from
		}
		clientValue := incoming[name]
		if ValuesEqual(serverValue, clientValue, kind) {
			continue
		}
		result.Conflicts = append(result.Conflicts, FieldConflict{
			Field:       name,
			ServerValue: serverValue,
			ClientValue: clientValue,
			Kind:        ConflictKindValueMismatch,
		})
	}

	result.HasConflict = len(result.Conflicts) > 0
	if result.HasConflict {
		logrus.WithFields(logrus.Fields{
			"entity_type":   entityType,
			"fields":        len(result.Conflicts),
			"server_hash":   serverHash,
			"recorded_hash": recordedHash,
		}).Debug("Detected field-level conflicts")
	}
	return result, nil
}

// syncableValues restricts an entity payload to its declared syncable fields,
// excluding id, audit and computed values from the content hash.
func syncableValues(fields []schema.Field, entity Payload) Payload {
	values := make(Payload, len(fields))
	for _, f := range fields {
		if v, ok := entity[f.Name]; ok {
			values[f.Name] = v
		}
	}
	return values
}
