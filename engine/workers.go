package engine

import (
	"github.com/cespare/xxhash/v2"

	"github.com/subwatch/subwatch/store"
)

// serializationKey identifies the stream a record must be ordered within:
// the subscriber key when one is resolvable, otherwise table:entityID.
func serializationKey(rec *store.ChangeRecord) string {
	if keys := rec.Keys(); len(keys) > 0 {
		return keys[0]
	}
	return rec.EntityTable + ":" + rec.EntityID
}

// shardBatch partitions a fetched batch across a fixed number of shards.
// Records with the same serialization key always land on the same shard and
// keep their batch (oldest-first) order; shards run concurrently.
func shardBatch(records []*store.ChangeRecord, shards int) [][]*store.ChangeRecord {
	if shards < 1 {
		shards = 1
	}

	out := make([][]*store.ChangeRecord, shards)
	for _, rec := range records {
		i := int(xxhash.Sum64String(serializationKey(rec)) % uint64(shards))
		out[i] = append(out[i], rec)
	}
	return out
}
