package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestChangeRecordValidate(t *testing.T) {
	valid := func() *ChangeRecord {
		snapshot, _ := json.Marshal(map[string]string{"msisdn": "31612345678"})
		return &ChangeRecord{
			ID:          1,
			EntityTable: TableSubscribers,
			EntityID:    "1",
			Operation:   OpUpdate,
			NewValues:   snapshot,
			OccurredAt:  time.Now(),
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Expected valid record, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ChangeRecord)
	}{
		{"missing table", func(r *ChangeRecord) { r.EntityTable = "" }},
		{"missing entity id", func(r *ChangeRecord) { r.EntityID = "" }},
		{"unknown operation", func(r *ChangeRecord) { r.Operation = "TRUNCATE" }},
		{"missing occurred_at", func(r *ChangeRecord) { r.OccurredAt = time.Time{} }},
		{"no resolvable key", func(r *ChangeRecord) { r.NewValues = nil }},
	}

	for _, tt := range tests {
		rec := valid()
		tt.mutate(rec)

		err := rec.Validate()
		if !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("%s: expected ErrMalformedRecord, got %v", tt.name, err)
		}
	}
}

func TestChangeRecordValidateExtractedKeySuffices(t *testing.T) {
	rec := &ChangeRecord{
		ID:            1,
		EntityTable:   TableSubscribers,
		EntityID:      "1",
		Operation:     OpDelete,
		SubscriberKey: "31612345678",
		OccurredAt:    time.Now(),
	}

	if err := rec.Validate(); err != nil {
		t.Errorf("Extracted key without snapshots must validate, got: %v", err)
	}
}

func TestChangeRecordKeys(t *testing.T) {
	oldSnap, _ := json.Marshal(map[string]string{"msisdn": "31611111111"})
	newSnap, _ := json.Marshal(map[string]string{"msisdn": "31622222222"})

	rec := &ChangeRecord{
		SubscriberKey: "31622222222",
		OldValues:     oldSnap,
		NewValues:     newSnap,
	}

	keys := rec.Keys()
	if len(keys) != 2 {
		t.Fatalf("Expected 2 distinct keys, got %v", keys)
	}
	if keys[0] != "31622222222" {
		t.Errorf("Extracted key must come first, got %v", keys)
	}
}

func TestChangeRecordKeysDeduplicates(t *testing.T) {
	snap, _ := json.Marshal(map[string]string{"msisdn": "31612345678"})

	rec := &ChangeRecord{
		SubscriberKey: "31612345678",
		OldValues:     snap,
		NewValues:     snap,
	}

	keys := rec.Keys()
	if len(keys) != 1 {
		t.Errorf("Expected a single deduplicated key, got %v", keys)
	}
}

func TestChangeRecordKeysMalformedSnapshot(t *testing.T) {
	rec := &ChangeRecord{
		SubscriberKey: "31612345678",
		NewValues:     []byte("{not json"),
	}

	keys := rec.Keys()
	if len(keys) != 1 || keys[0] != "31612345678" {
		t.Errorf("Malformed snapshot must be skipped, got %v", keys)
	}
}

func TestStatusChanged(t *testing.T) {
	oldSnap, _ := json.Marshal(map[string]string{"msisdn": "31612345678", "status": "ACTIVE"})
	newSnap, _ := json.Marshal(map[string]string{"msisdn": "31612345678", "status": "SUSPENDED"})

	changed := &ChangeRecord{OldValues: oldSnap, NewValues: newSnap}
	if !changed.StatusChanged() {
		t.Error("Expected status change to be detected")
	}

	same := &ChangeRecord{OldValues: oldSnap, NewValues: oldSnap}
	if same.StatusChanged() {
		t.Error("Identical status must not report a change")
	}

	insert := &ChangeRecord{NewValues: newSnap}
	if insert.StatusChanged() {
		t.Error("INSERT without old snapshot must not report a change")
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"31", "***"},
		{"316", "***"},
		{"31612345678", "********678"},
	}

	for _, tt := range tests {
		if got := MaskKey(tt.in); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
