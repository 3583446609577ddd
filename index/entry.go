package index

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/subwatch/subwatch/store"
)

// SubscriberEntry is the in-memory projection of a durable subscriber row.
// msgpack-tagged so the same codec serves the distributed cache values.
type SubscriberEntry struct {
	Key         string    `msgpack:"key"`
	IMSI        string    `msgpack:"imsi,omitempty"`
	ICCID       string    `msgpack:"iccid,omitempty"`
	Status      string    `msgpack:"status"`
	UpdatedAt   time.Time `msgpack:"updated_at"`
	RefreshedAt time.Time `msgpack:"refreshed_at"`
}

// FromRecord projects an authoritative durable row into an index entry.
func FromRecord(rec *store.SubscriberRecord, refreshedAt time.Time) *SubscriberEntry {
	return &SubscriberEntry{
		Key:         rec.Key,
		IMSI:        rec.IMSI,
		ICCID:       rec.ICCID,
		Status:      rec.Status,
		UpdatedAt:   rec.UpdatedAt,
		RefreshedAt: refreshedAt,
	}
}

// Encode serializes the entry for cache storage.
func (e *SubscriberEntry) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// DecodeEntry deserializes a cache value back into an entry.
func DecodeEntry(data []byte) (*SubscriberEntry, error) {
	var e SubscriberEntry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
