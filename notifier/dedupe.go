package notifier

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	dedupeBucketSize      = 4
	dedupeFingerprintSize = 32 // FP rate low enough that a wrongly suppressed event is negligible
	dedupeMinBuckets      = 1024
)

// RecentFilter suppresses duplicate dispatches of the same change event,
// which happen when a record is re-processed after a crash or a retry whose
// notification already went out. Entries are hashes of record id and event
// type in a Cuckoo filter; once the configured capacity of marks is reached
// the filter is swapped for a fresh one rather than aged entry by entry.
//
// Thread-safe for concurrent access.
type RecentFilter struct {
	mu       sync.Mutex
	filter   *cuckoo.Filter
	marks    uint
	capacity uint
}

// NewRecentFilter builds a filter holding roughly capacity recent events.
// Returns nil for capacity <= 0, which disables suppression.
func NewRecentFilter(capacity int) *RecentFilter {
	if capacity <= 0 {
		return nil
	}
	return &RecentFilter{
		filter:   newCuckoo(uint(capacity)),
		capacity: uint(capacity),
	}
}

func newCuckoo(capacity uint) *cuckoo.Filter {
	buckets := capacity / dedupeBucketSize
	if buckets < dedupeMinBuckets {
		buckets = dedupeMinBuckets
	}
	return cuckoo.NewFilter(dedupeBucketSize, dedupeFingerprintSize,
		buckets, cuckoo.TableTypePacked)
}

// Seen reports whether an event for this record id and type was recently
// dispatched.
func (f *RecentFilter) Seen(recordID int64, eventType string) bool {
	buf := hashKey(recordID, eventType)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.Contain(buf)
}

// Mark records a dispatch so later duplicates are suppressed.
func (f *RecentFilter) Mark(recordID int64, eventType string) {
	buf := hashKey(recordID, eventType)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.marks >= f.capacity {
		f.filter = newCuckoo(f.capacity)
		f.marks = 0
	}
	f.filter.Add(buf)
	f.marks++
}

func hashKey(recordID int64, eventType string) []byte {
	h := xxhash.New()
	h.WriteString(strconv.FormatInt(recordID, 10))
	h.WriteString(":")
	h.WriteString(eventType)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h.Sum64())
	return buf
}
