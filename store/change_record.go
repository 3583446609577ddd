package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Processing state constants
const (
	StatePending    = "PENDING"
	StateProcessing = "PROCESSING"
	StateProcessed  = "PROCESSED"
	StateFailed     = "FAILED"
)

// Operation type constants
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change source constants
const (
	SourceDBTrigger = "DB_TRIGGER"
	SourceAPI       = "API"
)

// Sentinel errors callers branch on
var (
	ErrNotFound        = errors.New("record not found")
	ErrMalformedRecord = errors.New("malformed change record")
)

// snapshotKeyField is the snapshot column holding the subscriber's
// primary identifier, matching the capture triggers.
const snapshotKeyField = "msisdn"

// ChangeRecord is one captured external mutation awaiting reconciliation.
// Timestamps are stored as epoch millis and surfaced as UTC time.Time;
// zero time means the column is NULL.
type ChangeRecord struct {
	ID            int64
	EntityTable   string
	EntityID      string
	Operation     string
	OldValues     json.RawMessage
	NewValues     json.RawMessage
	SubscriberKey string
	ChangeSource  string
	OccurredAt    time.Time
	State         string
	RetryCount    int
	LastError     string
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	ProcessedAt   time.Time
}

// Validate reports whether the record carries everything reconciliation
// needs. A failing record is permanently failed, never retried.
func (r *ChangeRecord) Validate() error {
	if r.EntityTable == "" {
		return fmt.Errorf("%w: missing entity_table (id=%d)", ErrMalformedRecord, r.ID)
	}
	if r.EntityID == "" {
		return fmt.Errorf("%w: missing entity_id (id=%d)", ErrMalformedRecord, r.ID)
	}

	switch r.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q (id=%d)", ErrMalformedRecord, r.Operation, r.ID)
	}

	if r.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at (id=%d)", ErrMalformedRecord, r.ID)
	}

	// Without an extracted key the snapshots are the only way to address
	// the affected cache and index entries
	if r.SubscriberKey == "" && len(r.Keys()) == 0 {
		return fmt.Errorf("%w: no subscriber key resolvable (id=%d)", ErrMalformedRecord, r.ID)
	}

	return nil
}

// Keys returns the distinct subscriber keys visible on the record: the
// extracted key plus whatever the snapshots carry. An UPDATE that renames
// the key yields both the old and the new one.
func (r *ChangeRecord) Keys() []string {
	seen := make(map[string]struct{}, 2)
	keys := make([]string, 0, 2)

	add := func(k string) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	add(r.SubscriberKey)
	add(snapshotKey(r.NewValues))
	add(snapshotKey(r.OldValues))

	return keys
}

// snapshotKey pulls the subscriber key out of a trigger-written JSON snapshot.
func snapshotKey(snapshot json.RawMessage) string {
	if len(snapshot) == 0 {
		return ""
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(snapshot, &fields); err != nil {
		return ""
	}

	if v, ok := fields[snapshotKeyField].(string); ok {
		return v
	}
	return ""
}

// StatusChanged reports whether the subscriber status differs between the
// old and new snapshots. Used to flag notification payloads.
func (r *ChangeRecord) StatusChanged() bool {
	oldStatus := snapshotField(r.OldValues, "status")
	newStatus := snapshotField(r.NewValues, "status")
	return oldStatus != "" && newStatus != "" && oldStatus != newStatus
}

func snapshotField(snapshot json.RawMessage, field string) string {
	if len(snapshot) == 0 {
		return ""
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(snapshot, &fields); err != nil {
		return ""
	}

	if v, ok := fields[field].(string); ok {
		return v
	}
	return ""
}

// MaskKey hides all but the last 3 characters of a subscriber identity
// value so MSISDN/IMSI/ICCID never reach logs in clear text.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(key)-3) + key[len(key)-3:]
}
