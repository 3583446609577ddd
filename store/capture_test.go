package store

import (
	"context"
	"testing"
	"time"
)

func insertSubscriber(t *testing.T, s *Store, msisdn, imsi, status string) int64 {
	t.Helper()

	res, err := s.DB().Exec(
		"INSERT INTO subscribers (msisdn, imsi, iccid, status, profile, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		msisdn, imsi, "8931"+msisdn, status, "default", time.Now().UnixMilli(),
	)
	if err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read insert id: %v", err)
	}
	return id
}

func TestCaptureTriggerInsert(t *testing.T) {
	s := createTestStore(t)
	changeLog := NewChangeLogStore(s, 5)
	ctx := context.Background()

	insertSubscriber(t, s, "31612345678", "204080000000001", "ACTIVE")

	records, err := changeLog.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 captured record, got %d", len(records))
	}

	rec := records[0]
	if rec.Operation != OpInsert {
		t.Errorf("Expected INSERT, got %s", rec.Operation)
	}
	if rec.EntityTable != TableSubscribers {
		t.Errorf("Expected table %s, got %s", TableSubscribers, rec.EntityTable)
	}
	if rec.SubscriberKey != "31612345678" {
		t.Errorf("Expected extracted key, got %q", rec.SubscriberKey)
	}
	if rec.ChangeSource != SourceDBTrigger {
		t.Errorf("Expected DB_TRIGGER source, got %s", rec.ChangeSource)
	}
	if len(rec.OldValues) != 0 {
		t.Error("INSERT must not carry an old snapshot")
	}
	if snapshotKey(rec.NewValues) != "31612345678" {
		t.Errorf("New snapshot must carry the key, got %q", snapshotKey(rec.NewValues))
	}
	if rec.OccurredAt.IsZero() {
		t.Error("Expected occurred_at to be set by the trigger")
	}
}

func TestCaptureTriggerUpdate(t *testing.T) {
	s := createTestStore(t)
	changeLog := NewChangeLogStore(s, 5)
	ctx := context.Background()

	id := insertSubscriber(t, s, "31612345678", "204080000000001", "ACTIVE")

	if _, err := s.DB().Exec("UPDATE subscribers SET status = 'SUSPENDED' WHERE id = ?", id); err != nil {
		t.Fatalf("failed to update subscriber: %v", err)
	}

	records, err := changeLog.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected INSERT + UPDATE captures, got %d", len(records))
	}

	update := records[1]
	if update.Operation != OpUpdate {
		t.Errorf("Expected UPDATE, got %s", update.Operation)
	}
	if snapshotField(update.OldValues, "status") != "ACTIVE" {
		t.Errorf("Old snapshot must carry previous status, got %q", snapshotField(update.OldValues, "status"))
	}
	if snapshotField(update.NewValues, "status") != "SUSPENDED" {
		t.Errorf("New snapshot must carry new status, got %q", snapshotField(update.NewValues, "status"))
	}
	if !update.StatusChanged() {
		t.Error("Expected StatusChanged to detect the transition")
	}
}

func TestCaptureTriggerKeyChange(t *testing.T) {
	s := createTestStore(t)
	changeLog := NewChangeLogStore(s, 5)
	ctx := context.Background()

	id := insertSubscriber(t, s, "31612345678", "204080000000001", "ACTIVE")

	if _, err := s.DB().Exec("UPDATE subscribers SET msisdn = '31698765432' WHERE id = ?", id); err != nil {
		t.Fatalf("failed to update subscriber: %v", err)
	}

	records, err := changeLog.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}

	update := records[len(records)-1]
	keys := update.Keys()
	if len(keys) != 2 {
		t.Fatalf("Key change must surface both keys, got %v", keys)
	}

	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["31612345678"] || !seen["31698765432"] {
		t.Errorf("Expected old and new key, got %v", keys)
	}
}

func TestCaptureTriggerDelete(t *testing.T) {
	s := createTestStore(t)
	changeLog := NewChangeLogStore(s, 5)
	ctx := context.Background()

	id := insertSubscriber(t, s, "31612345678", "204080000000001", "ACTIVE")

	if _, err := s.DB().Exec("DELETE FROM subscribers WHERE id = ?", id); err != nil {
		t.Fatalf("failed to delete subscriber: %v", err)
	}

	records, err := changeLog.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}

	del := records[len(records)-1]
	if del.Operation != OpDelete {
		t.Errorf("Expected DELETE, got %s", del.Operation)
	}
	if del.SubscriberKey != "31612345678" {
		t.Errorf("DELETE must extract the key from the old row, got %q", del.SubscriberKey)
	}
	if len(del.NewValues) != 0 {
		t.Error("DELETE must not carry a new snapshot")
	}
	if snapshotKey(del.OldValues) != "31612345678" {
		t.Errorf("Old snapshot must carry the key, got %q", snapshotKey(del.OldValues))
	}
}

func TestCaptureTriggerIdempotentInstall(t *testing.T) {
	s := createTestStore(t)

	// Installing twice must be a no-op, not an error
	if err := s.InstallChangeCapture(context.Background()); err != nil {
		t.Fatalf("second InstallChangeCapture failed: %v", err)
	}
}
