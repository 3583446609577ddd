package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/store"
	"github.com/subwatch/subwatch/telemetry"
)

// SubscriberReader is the authoritative source the index refreshes from.
// Entries are never derived from change-record snapshots.
type SubscriberReader interface {
	GetByKey(ctx context.Context, key string) (*store.SubscriberRecord, error)
	ScanAll(ctx context.Context, batchSize int, fn func(*store.SubscriberRecord) error) error
	Count(ctx context.Context) (int64, error)
}

// Status is a point-in-time view of the index for health and admin.
type Status struct {
	Connected           bool          `json:"connected"`
	EntryCount          int           `json:"entry_count"`
	LastRebuild         time.Time     `json:"last_rebuild"`
	LastRebuildDuration time.Duration `json:"last_rebuild_duration"`
}

// Index is the concurrent in-memory subscriber lookup. Reads are lock-free;
// RebuildAll builds a fresh map off to the side and swaps it in atomically.
type Index struct {
	entries   atomic.Pointer[xsync.MapOf[string, *SubscriberEntry]]
	reader    SubscriberReader
	scanBatch int
	probe     *Probe

	rebuildMu       sync.Mutex
	lastRebuild     atomic.Int64 // epoch millis
	lastRebuildTook atomic.Int64 // nanos
}

// New creates an empty index. probe may be nil when no downstream
// connectivity check is configured.
func New(reader SubscriberReader, scanBatch int, probe *Probe) *Index {
	idx := &Index{
		reader:    reader,
		scanBatch: scanBatch,
		probe:     probe,
	}
	idx.entries.Store(xsync.NewMapOf[string, *SubscriberEntry]())
	return idx
}

// Get returns the entry for key.
func (i *Index) Get(key string) (*SubscriberEntry, bool) {
	return i.entries.Load().Load(key)
}

// Upsert replaces the entry for its key. Whole-entry replacement, never a
// field merge.
func (i *Index) Upsert(entry *SubscriberEntry) {
	i.entries.Load().Store(entry.Key, entry)
	telemetry.IndexEntries.Set(float64(i.Len()))
}

// Remove drops the entry for key. Unknown keys are a no-op.
func (i *Index) Remove(key string) {
	i.entries.Load().Delete(key)
	telemetry.IndexEntries.Set(float64(i.Len()))
}

// Len reports the current entry count.
func (i *Index) Len() int {
	return i.entries.Load().Size()
}

// Range iterates entries until fn returns false.
func (i *Index) Range(fn func(key string, entry *SubscriberEntry) bool) {
	i.entries.Load().Range(fn)
}

// Refresh re-reads one subscriber from the durable store and applies the
// result: found rows replace the entry, missing rows remove it. Returns
// whether the subscriber exists.
func (i *Index) Refresh(ctx context.Context, key string) (bool, error) {
	rec, err := i.reader.GetByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		i.Remove(key)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	i.Upsert(FromRecord(rec, time.Now().UTC()))
	return true, nil
}

// RebuildAll scans every durable subscriber into a fresh map and swaps it
// in. The previous map keeps serving reads until the swap; a scan failure
// leaves it untouched.
func (i *Index) RebuildAll(ctx context.Context) (int, error) {
	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	start := time.Now()
	fresh := xsync.NewMapOf[string, *SubscriberEntry]()
	refreshedAt := start.UTC()

	count := 0
	err := i.reader.ScanAll(ctx, i.scanBatch, func(rec *store.SubscriberRecord) error {
		fresh.Store(rec.Key, FromRecord(rec, refreshedAt))
		count++
		return nil
	})
	if err != nil {
		telemetry.IndexRebuildsTotal.With("failed").Inc()
		return 0, err
	}

	i.entries.Store(fresh)
	took := time.Since(start)
	i.lastRebuild.Store(start.UnixMilli())
	i.lastRebuildTook.Store(int64(took))

	telemetry.IndexRebuildsTotal.With("success").Inc()
	telemetry.IndexRebuildDurationSeconds.Observe(took.Seconds())
	telemetry.IndexEntries.Set(float64(count))

	log.Info().
		Int("entries", count).
		Dur("took", took).
		Msg("Subscriber index rebuilt")

	return count, nil
}

// Status reports connectivity and rebuild state.
func (i *Index) Status() Status {
	connected := true
	if i.probe != nil {
		connected = i.probe.Connected()
	}

	var lastRebuild time.Time
	if ms := i.lastRebuild.Load(); ms != 0 {
		lastRebuild = time.UnixMilli(ms).UTC()
	}

	return Status{
		Connected:           connected,
		EntryCount:          i.Len(),
		LastRebuild:         lastRebuild,
		LastRebuildDuration: time.Duration(i.lastRebuildTook.Load()),
	}
}
