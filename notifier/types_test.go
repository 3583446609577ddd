package notifier

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/subwatch/subwatch/store"
)

func changeRecord(op string) *store.ChangeRecord {
	rec := &store.ChangeRecord{
		ID:           42,
		EntityTable:  store.TableSubscribers,
		EntityID:     "7",
		Operation:    op,
		ChangeSource: store.SourceDBTrigger,
		OccurredAt:   time.Now().UTC(),
	}
	switch op {
	case store.OpInsert:
		rec.NewValues = json.RawMessage(`{"msisdn":"31612345678","status":"ACTIVE"}`)
	case store.OpDelete:
		rec.OldValues = json.RawMessage(`{"msisdn":"31612345678","status":"ACTIVE"}`)
	default:
		rec.OldValues = json.RawMessage(`{"msisdn":"31612345678","status":"ACTIVE"}`)
		rec.NewValues = json.RawMessage(`{"msisdn":"31612345678","status":"SUSPENDED"}`)
	}
	return rec
}

func TestEventTypeFor(t *testing.T) {
	cases := map[string]string{
		store.OpInsert: EventCreated,
		store.OpUpdate: EventUpdated,
		store.OpDelete: EventDeleted,
		"UNKNOWN":      EventUpdated,
	}
	for op, want := range cases {
		if got := EventTypeFor(op); got != want {
			t.Errorf("op %s: expected %s, got %s", op, want, got)
		}
	}
}

func TestNewChangeEvent(t *testing.T) {
	evt := NewChangeEvent(changeRecord(store.OpUpdate))

	if evt.EventType != EventUpdated {
		t.Errorf("expected %s, got %s", EventUpdated, evt.EventType)
	}
	if evt.EventID == "" {
		t.Error("expected a generated event id")
	}
	if evt.ChangeID != 42 {
		t.Errorf("expected change id 42, got %d", evt.ChangeID)
	}
	if evt.Data.SubscriberKey != "31612345678" {
		t.Errorf("expected subscriber key from snapshot, got %q", evt.Data.SubscriberKey)
	}
	if !evt.Data.StatusChanged {
		t.Error("expected status change to be flagged")
	}
	if evt.Data.EntityID != "7" {
		t.Errorf("expected entity id 7, got %s", evt.Data.EntityID)
	}
}

func TestEventJSONShape(t *testing.T) {
	evt := NewChangeEvent(changeRecord(store.OpInsert))

	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}

	for _, field := range []string{`"eventType"`, `"eventId"`, `"timestamp"`, `"source"`, `"data"`, `"table"`, `"operation"`, `"entityId"`, `"changeSource"`, `"newData"`} {
		if !strings.Contains(string(body), field) {
			t.Errorf("expected %s in payload: %s", field, body)
		}
	}
	// Internal bookkeeping never reaches the wire
	if strings.Contains(string(body), "ChangeID") || strings.Contains(string(body), "change_id") {
		t.Errorf("change id leaked into payload: %s", body)
	}
	// INSERT carries no old snapshot
	if strings.Contains(string(body), `"oldData"`) {
		t.Errorf("unexpected oldData on insert: %s", body)
	}
}

func TestNewRefreshEvent(t *testing.T) {
	evt := NewRefreshEvent(store.TableSubscribers, "31612345678")

	if evt.EventType != EventRefreshed {
		t.Errorf("expected %s, got %s", EventRefreshed, evt.EventType)
	}
	if evt.ChangeID != 0 {
		t.Errorf("expected zero change id for synthetic event, got %d", evt.ChangeID)
	}
	if evt.Data.ChangeSource != store.SourceAPI {
		t.Errorf("expected API change source, got %s", evt.Data.ChangeSource)
	}
	if evt.Key() != "31612345678" {
		t.Errorf("expected key 31612345678, got %s", evt.Key())
	}
}

func TestEventKeyFallsBackToEntityID(t *testing.T) {
	evt := &Event{Data: EventData{EntityID: "99"}}
	if evt.Key() != "99" {
		t.Errorf("expected entity id fallback, got %q", evt.Key())
	}
}
