package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/store"
)

// Event types emitted toward downstream systems
const (
	EventCreated   = "subscription.created"
	EventUpdated   = "subscription.updated"
	EventDeleted   = "subscription.deleted"
	EventRefreshed = "subscription.refreshed"
)

// Event is the envelope delivered to every sink. The JSON encoding of this
// struct is the wire format; HTTP signatures are computed over it.
type Event struct {
	EventType string    `json:"eventType"`
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      EventData `json:"data"`

	// ChangeID is the originating change record id, used for duplicate
	// suppression. Zero for synthetic events, which are never suppressed.
	ChangeID int64 `json:"-" msgpack:"change_id"`
}

// EventData carries the change detail.
type EventData struct {
	Table         string          `json:"table"`
	Operation     string          `json:"operation"`
	EntityID      string          `json:"entityId"`
	ChangeSource  string          `json:"changeSource"`
	SubscriberKey string          `json:"subscriberKey,omitempty"`
	StatusChanged bool            `json:"statusChanged,omitempty"`
	OldData       json.RawMessage `json:"oldData,omitempty"`
	NewData       json.RawMessage `json:"newData,omitempty"`
}

// NewChangeEvent builds the outbound event for a reconciled change record.
func NewChangeEvent(rec *store.ChangeRecord) *Event {
	data := EventData{
		Table:         rec.EntityTable,
		Operation:     rec.Operation,
		EntityID:      rec.EntityID,
		ChangeSource:  rec.ChangeSource,
		StatusChanged: rec.StatusChanged(),
		OldData:       rec.OldValues,
		NewData:       rec.NewValues,
	}
	if keys := rec.Keys(); len(keys) > 0 {
		data.SubscriberKey = keys[0]
	}

	return &Event{
		EventType: EventTypeFor(rec.Operation),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    eventSource(),
		Data:      data,
		ChangeID:  rec.ID,
	}
}

// NewRefreshEvent builds the event for an operator-forced refresh, which has
// no underlying change record.
func NewRefreshEvent(table, key string) *Event {
	return &Event{
		EventType: EventRefreshed,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    eventSource(),
		Data: EventData{
			Table:         table,
			Operation:     "REFRESH",
			EntityID:      key,
			ChangeSource:  store.SourceAPI,
			SubscriberKey: key,
		},
	}
}

// EventTypeFor maps a change operation to its event type.
func EventTypeFor(operation string) string {
	switch operation {
	case store.OpInsert:
		return EventCreated
	case store.OpUpdate:
		return EventUpdated
	case store.OpDelete:
		return EventDeleted
	default:
		return EventUpdated
	}
}

// Key returns the partition/routing key for the event.
func (e *Event) Key() string {
	if e.Data.SubscriberKey != "" {
		return e.Data.SubscriberKey
	}
	return e.Data.EntityID
}

func eventSource() string {
	return fmt.Sprintf("subwatch/node-%d", cfg.Config.NodeID)
}

// Sink delivers encoded events to one destination. Implementations own their
// transport-level retries; a returned error means delivery is exhausted.
type Sink interface {
	// Deliver sends the event. body is the canonical JSON encoding of evt.
	Deliver(ctx context.Context, evt *Event, body []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Delivery is the outcome of one sink's delivery of one event.
type Delivery struct {
	Sink     string        `json:"sink"`
	Ok       bool          `json:"ok"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}
