package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/subwatch/subwatch/cache"
	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/index"
	"github.com/subwatch/subwatch/notifier"
	_ "github.com/subwatch/subwatch/notifier/sink"
	"github.com/subwatch/subwatch/store"
)

type harness struct {
	store     *store.Store
	changeLog *store.ChangeLogStore
	cache     cache.Cache
	index     *index.Index
	engine    *Engine
}

func syncConfig() cfg.SyncConfiguration {
	return cfg.SyncConfiguration{
		BatchSize:      50,
		RetryBatchSize: 25,
		Workers:        4,
		MaxRetries:     3,
		// Zero backoff makes failed records retry-eligible immediately.
		RetryBackoffSeconds:    0,
		RetryBackoffCapSeconds: 0,
		MaxUnprocessed:         100,
		MaxLagSeconds:          3600,
	}
}

// newHarness wires an engine over a real sqlite store. Capture triggers are
// not installed; tests insert change records explicitly. A nil reader means
// reads go straight to the subscriber table.
func newHarness(t *testing.T, conf cfg.SyncConfiguration, reader index.SubscriberReader, dispatcher *notifier.Dispatcher) *harness {
	t.Helper()

	s, err := store.Open(cfg.StoreConfiguration{
		Driver: cfg.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "subwatch_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}

	if reader == nil {
		reader = store.NewSubscriberStore(s)
	}

	changeLog := store.NewChangeLogStore(s, conf.MaxRetries)
	c := cache.NewLocal(cfg.CacheConfiguration{Size: 1024, TTLSeconds: 300})
	idx := index.New(reader, 100, nil)

	return &harness{
		store:     s,
		changeLog: changeLog,
		cache:     c,
		index:     idx,
		engine:    New(changeLog, c, idx, dispatcher, conf),
	}
}

func (h *harness) insertChange(t *testing.T, key string, occurredAt time.Time) int64 {
	t.Helper()

	snapshot := fmt.Sprintf(`{"msisdn":%q,"status":"ACTIVE"}`, key)
	id, err := h.changeLog.Insert(context.Background(), &store.ChangeRecord{
		EntityTable:   store.TableSubscribers,
		EntityID:      "1",
		Operation:     store.OpUpdate,
		NewValues:     []byte(snapshot),
		SubscriberKey: key,
		ChangeSource:  store.SourceAPI,
		OccurredAt:    occurredAt,
	})
	if err != nil {
		t.Fatalf("failed to insert change record: %v", err)
	}
	return id
}

func (h *harness) insertSubscriber(t *testing.T, msisdn string) {
	t.Helper()

	_, err := h.store.DB().Exec(
		"INSERT INTO subscribers (msisdn, imsi, iccid, status, profile, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		msisdn, "20408"+msisdn, "8931"+msisdn, "ACTIVE", "default", time.Now().UnixMilli(),
	)
	if err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}
}

// flakyReader fails a fixed number of key reads before delegating, the shape
// of a transient authoritative-store outage.
type flakyReader struct {
	inner    index.SubscriberReader
	mu       sync.Mutex
	failures int
}

func (f *flakyReader) GetByKey(ctx context.Context, key string) (*store.SubscriberRecord, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("simulated store outage")
	}
	f.mu.Unlock()
	return f.inner.GetByKey(ctx, key)
}

func (f *flakyReader) ScanAll(ctx context.Context, batchSize int, fn func(*store.SubscriberRecord) error) error {
	return f.inner.ScanAll(ctx, batchSize, fn)
}

func (f *flakyReader) Count(ctx context.Context) (int64, error) {
	return f.inner.Count(ctx)
}

func TestRunCycleDrainsBacklog(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("316%08d", i)
		h.insertChange(t, keys[i], base.Add(time.Duration(i)*time.Millisecond))
	}

	// Stale cache entries for a few keys must not survive the cycle.
	for _, key := range keys[:3] {
		if err := h.cache.Set(cache.EntryKey(key), []byte("stale")); err != nil {
			t.Fatalf("failed to seed cache: %v", err)
		}
	}
	h.insertSubscriber(t, keys[0])
	h.insertSubscriber(t, keys[1])

	first, err := h.engine.RunCycle(ctx, 50)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if first.Kind != CycleSync {
		t.Errorf("Expected kind %q, got %q", CycleSync, first.Kind)
	}
	if first.Fetched != 50 || first.Processed != 50 {
		t.Errorf("Expected 50 fetched and processed, got %d/%d", first.Fetched, first.Processed)
	}
	if first.Failed != 0 || first.Malformed != 0 || first.Skipped != 0 {
		t.Errorf("Expected clean first cycle, got %+v", first)
	}

	second, err := h.engine.RunCycle(ctx, 50)
	if err != nil {
		t.Fatalf("Second RunCycle failed: %v", err)
	}
	if second.Fetched != 50 || second.Processed != 50 {
		t.Errorf("Expected second cycle to drain the rest, got %d/%d", second.Fetched, second.Processed)
	}

	third, err := h.engine.RunCycle(ctx, 50)
	if err != nil {
		t.Fatalf("Third RunCycle failed: %v", err)
	}
	if third.Fetched != 0 {
		t.Errorf("Expected empty third cycle, got %d fetched", third.Fetched)
	}

	left, err := h.changeLog.CountUnprocessed(ctx)
	if err != nil {
		t.Fatalf("CountUnprocessed failed: %v", err)
	}
	if left != 0 {
		t.Errorf("Expected empty backlog, got %d", left)
	}

	for _, key := range keys[:3] {
		if _, ok := h.cache.Get(cache.EntryKey(key)); ok {
			t.Errorf("Expected cache entry for %s to be invalidated", key)
		}
	}
	if _, ok := h.index.Get(keys[0]); !ok {
		t.Errorf("Expected index entry for %s after refresh", keys[0])
	}
	if _, ok := h.index.Get(keys[5]); ok {
		t.Error("Expected no index entry for key without a subscriber row")
	}
}

func TestRetryAfterTransientFailure(t *testing.T) {
	sub := &flakyReader{failures: 1}
	h := newHarness(t, syncConfig(), sub, nil)
	sub.inner = store.NewSubscriberStore(h.store)
	ctx := context.Background()

	const key = "31612345678"
	h.insertSubscriber(t, key)
	id := h.insertChange(t, key, time.Now())

	res, err := h.engine.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Fetched != 1 || res.Failed != 1 {
		t.Fatalf("Expected one failed record, got %+v", res)
	}

	rec, err := h.changeLog.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.State != store.StateFailed {
		t.Errorf("Expected FAILED, got %s", rec.State)
	}
	if rec.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", rec.RetryCount)
	}
	if rec.NextRetryAt.IsZero() {
		t.Error("Expected next retry time to be scheduled")
	}
	if strings.Contains(rec.LastError, key) {
		t.Errorf("Expected last error to mask the key, got %q", rec.LastError)
	}

	retry, err := h.engine.RunRetryCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunRetryCycle failed: %v", err)
	}
	if retry.Kind != CycleRetry {
		t.Errorf("Expected kind %q, got %q", CycleRetry, retry.Kind)
	}
	if retry.Fetched != 1 || retry.Processed != 1 {
		t.Fatalf("Expected the record to recover on retry, got %+v", retry)
	}

	rec, err = h.changeLog.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID after retry failed: %v", err)
	}
	if rec.State != store.StateProcessed {
		t.Errorf("Expected PROCESSED after retry, got %s", rec.State)
	}
	if rec.RetryCount != 1 {
		t.Errorf("Expected retry count to stay 1, got %d", rec.RetryCount)
	}
	if _, ok := h.index.Get(key); !ok {
		t.Error("Expected index entry after successful retry")
	}
}

func TestNotificationFailureDoesNotAffectRecord(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	letters, err := notifier.NewDeadLetterLog(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open dead letter log: %v", err)
	}

	dispatcher, err := notifier.NewDispatcher(cfg.NotifierConfiguration{
		QueueSize: 16,
		Workers:   1,
		Sinks: []cfg.SinkConfiguration{{
			Name:           "hooks",
			Type:           "http",
			Endpoints:      []string{srv.URL},
			MaxAttempts:    3,
			RetryBackoffMS: 1,
		}},
	}, letters)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	h := newHarness(t, syncConfig(), nil, dispatcher)
	ctx := context.Background()

	id := h.insertChange(t, "31612345678", time.Now())

	res, err := h.engine.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Expected the record to process despite sink failures, got %+v", res)
	}

	rec, err := h.changeLog.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.State != store.StateProcessed {
		t.Errorf("Expected PROCESSED, got %s", rec.State)
	}

	// Delivery is asynchronous: wait for the sink to exhaust its attempts
	// and dead-letter the event.
	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := letters.Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count == 1 && hits.Load() >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 attempts and 1 dead letter, got %d attempts and %d letters", hits.Load(), count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedRecordFailsPermanently(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	id, err := h.changeLog.Insert(ctx, &store.ChangeRecord{
		EntityTable:   store.TableSubscribers,
		EntityID:      "1",
		Operation:     "BOGUS",
		SubscriberKey: "31612345678",
		ChangeSource:  store.SourceAPI,
		OccurredAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	res, err := h.engine.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Malformed != 1 {
		t.Fatalf("Expected one malformed record, got %+v", res)
	}

	rec, err := h.changeLog.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.State != store.StateFailed {
		t.Errorf("Expected FAILED, got %s", rec.State)
	}
	if rec.RetryCount != syncConfig().MaxRetries {
		t.Errorf("Expected retry budget exhausted, got count %d", rec.RetryCount)
	}

	retry, err := h.engine.RunRetryCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunRetryCycle failed: %v", err)
	}
	if retry.Fetched != 0 {
		t.Errorf("Expected malformed record to never retry, got %d fetched", retry.Fetched)
	}
}

func TestProcessRecordSkipsClaimedRecord(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	id := h.insertChange(t, "31612345678", time.Now())

	records, err := h.changeLog.FetchUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected one record, got %d", len(records))
	}

	// A competing cycle claims the record between fetch and processing.
	if err := h.changeLog.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	if outcome := h.engine.processRecord(ctx, records[0]); outcome != outcomeSkipped {
		t.Errorf("Expected skipped outcome, got %v", outcome)
	}

	rec, err := h.changeLog.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.State != store.StateProcessing {
		t.Errorf("Expected record to stay PROCESSING, got %s", rec.State)
	}
}

func TestForceRefresh(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	const key = "31612345678"
	h.insertSubscriber(t, key)
	if err := h.cache.Set(cache.EntryKey(key), []byte("stale")); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	res, err := h.engine.ForceRefresh(ctx, key)
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if !res.Found || res.Key != key {
		t.Errorf("Expected found=%v key=%s, got %+v", true, key, res)
	}
	if _, ok := h.cache.Get(cache.EntryKey(key)); ok {
		t.Error("Expected cache entry to be invalidated, not warmed")
	}
	if _, ok := h.index.Get(key); !ok {
		t.Error("Expected index entry after refresh")
	}

	missing, err := h.engine.ForceRefresh(ctx, "31600000000")
	if err != nil {
		t.Fatalf("ForceRefresh of unknown key failed: %v", err)
	}
	if missing.Found {
		t.Error("Expected found=false for unknown key")
	}
}

func TestInvalidateOperations(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)

	for _, key := range []string{"31610000001", "31610000002", "31610000003"} {
		if err := h.cache.Set(cache.EntryKey(key), []byte("v")); err != nil {
			t.Fatalf("failed to seed cache: %v", err)
		}
	}
	if err := h.cache.Set("other:entry", []byte("v")); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	if err := h.engine.Invalidate("31610000001"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok := h.cache.Get(cache.EntryKey("31610000001")); ok {
		t.Error("Expected entry to be invalidated")
	}
	if _, ok := h.cache.Get(cache.EntryKey("31610000002")); !ok {
		t.Error("Expected other entries to survive single invalidation")
	}

	dropped, err := h.engine.InvalidateAll()
	if err != nil {
		t.Fatalf("InvalidateAll failed: %v", err)
	}
	if dropped != 2 {
		t.Errorf("Expected 2 entries dropped, got %d", dropped)
	}
	if h.cache.Len() != 1 {
		t.Errorf("Expected foreign entry to survive, cache has %d entries", h.cache.Len())
	}
}

func TestStatusHealthCeilings(t *testing.T) {
	conf := syncConfig()
	conf.MaxUnprocessed = 1
	h := newHarness(t, conf, nil, nil)
	ctx := context.Background()

	h.insertChange(t, "31610000001", time.Now().Add(-2*time.Hour))
	h.insertChange(t, "31610000002", time.Now().Add(-2*time.Hour))

	status, err := h.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.UnprocessedCount != 2 {
		t.Errorf("Expected 2 unprocessed, got %d", status.UnprocessedCount)
	}
	if status.LagSeconds < 3600 {
		t.Errorf("Expected lag above an hour, got %.0fs", status.LagSeconds)
	}
	if status.Healthy {
		t.Error("Expected unhealthy status over both ceilings")
	}

	if _, err := h.engine.RunCycle(ctx, 10); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	status, err = h.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status after drain failed: %v", err)
	}
	if status.UnprocessedCount != 0 || status.LagSeconds != 0 {
		t.Errorf("Expected drained backlog, got %+v", status)
	}
	if !status.Healthy {
		t.Error("Expected healthy status after drain")
	}
}

func TestStatusSurfacesExhaustedRecords(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	_, err := h.changeLog.Insert(ctx, &store.ChangeRecord{
		EntityTable:   store.TableSubscribers,
		EntityID:      "1",
		Operation:     "BOGUS",
		SubscriberKey: "31612345678",
		ChangeSource:  store.SourceAPI,
		OccurredAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, err := h.engine.RunCycle(ctx, 10); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	status, err := h.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ExhaustedCount != 1 {
		t.Errorf("Expected 1 exhausted record surfaced, got %d", status.ExhaustedCount)
	}
	if status.FailedCount != 0 {
		t.Errorf("Expected no retryable failures, got %d", status.FailedCount)
	}
}

func TestPurgeProcessed(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	doneID := h.insertChange(t, "31610000001", time.Now().Add(-time.Minute))
	h.insertChange(t, "31610000002", time.Now().Add(-time.Minute))

	if _, err := h.engine.RunCycle(ctx, 10); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	pendingID := h.insertChange(t, "31610000003", time.Now())

	time.Sleep(5 * time.Millisecond)
	purged, err := h.engine.PurgeProcessed(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("PurgeProcessed failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("Expected 2 records purged, got %d", purged)
	}

	if _, err := h.changeLog.GetByID(ctx, doneID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected purged record to be gone, got %v", err)
	}
	if _, err := h.changeLog.GetByID(ctx, pendingID); err != nil {
		t.Errorf("Expected pending record to survive purge, got %v", err)
	}
}

func TestStuckCount(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	id := h.insertChange(t, "31612345678", time.Now())
	if err := h.changeLog.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	// Age the attempt to simulate a crashed cycle.
	_, err := h.store.DB().Exec(
		"UPDATE subscription_change_log SET last_attempt_at = ? WHERE id = ?",
		time.Now().Add(-10*time.Minute).UnixMilli(), id,
	)
	if err != nil {
		t.Fatalf("failed to age record: %v", err)
	}

	stuck, err := h.engine.StuckCount(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("StuckCount failed: %v", err)
	}
	if stuck != 1 {
		t.Errorf("Expected 1 stuck record, got %d", stuck)
	}

	stuck, err = h.engine.StuckCount(ctx, 20*time.Minute)
	if err != nil {
		t.Fatalf("StuckCount failed: %v", err)
	}
	if stuck != 0 {
		t.Errorf("Expected no records stuck past 20m, got %d", stuck)
	}
}

func TestRunCycleReconcilesTriggerCaptures(t *testing.T) {
	ctx := context.Background()

	s, err := store.Open(cfg.StoreConfiguration{
		Driver: cfg.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "subwatch_capture_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}
	if err := s.InstallChangeCapture(ctx); err != nil {
		t.Fatalf("failed to install capture triggers: %v", err)
	}

	changeLog := store.NewChangeLogStore(s, 3)
	c := cache.NewLocal(cfg.CacheConfiguration{Size: 1024, TTLSeconds: 300})
	idx := index.New(store.NewSubscriberStore(s), 100, nil)
	eng := New(changeLog, c, idx, nil, syncConfig())

	const key = "31612345678"

	_, err = s.DB().Exec(
		"INSERT INTO subscribers (msisdn, imsi, iccid, status, profile, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		key, "204080000000001", "8931"+key, "ACTIVE", "default", time.Now().UnixMilli(),
	)
	if err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	res, err := eng.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle after insert failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Expected captured INSERT to process, got %+v", res)
	}
	entry, ok := idx.Get(key)
	if !ok {
		t.Fatal("Expected index entry after captured insert")
	}
	if entry.Status != "ACTIVE" {
		t.Errorf("Expected ACTIVE status, got %q", entry.Status)
	}

	if _, err := s.DB().Exec("UPDATE subscribers SET status = 'SUSPENDED' WHERE msisdn = ?", key); err != nil {
		t.Fatalf("failed to update subscriber: %v", err)
	}

	res, err = eng.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle after update failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Expected captured UPDATE to process, got %+v", res)
	}
	entry, ok = idx.Get(key)
	if !ok {
		t.Fatal("Expected index entry to survive update")
	}
	if entry.Status != "SUSPENDED" {
		t.Errorf("Expected re-read status SUSPENDED, got %q", entry.Status)
	}

	if _, err := s.DB().Exec("DELETE FROM subscribers WHERE msisdn = ?", key); err != nil {
		t.Fatalf("failed to delete subscriber: %v", err)
	}

	res, err = eng.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle after delete failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Expected captured DELETE to process, got %+v", res)
	}
	if _, ok := idx.Get(key); ok {
		t.Error("Expected index entry removed after captured delete")
	}
	if _, ok := c.Get(cache.EntryKey(key)); ok {
		t.Error("Expected cache entry invalidated after captured delete")
	}

	left, err := changeLog.CountUnprocessed(ctx)
	if err != nil {
		t.Fatalf("CountUnprocessed failed: %v", err)
	}
	if left != 0 {
		t.Errorf("Expected all captured records drained, got %d", left)
	}
}

func TestRunCycleUpdatesBothKeysOnRename(t *testing.T) {
	h := newHarness(t, syncConfig(), nil, nil)
	ctx := context.Background()

	const oldKey = "31611111111"
	const newKey = "31622222222"
	h.insertSubscriber(t, newKey)

	for _, key := range []string{oldKey, newKey} {
		if err := h.cache.Set(cache.EntryKey(key), []byte("stale")); err != nil {
			t.Fatalf("failed to seed cache: %v", err)
		}
	}
	h.index.Upsert(&index.SubscriberEntry{Key: oldKey})

	_, err := h.changeLog.Insert(ctx, &store.ChangeRecord{
		EntityTable:   store.TableSubscribers,
		EntityID:      "1",
		Operation:     store.OpUpdate,
		OldValues:     []byte(fmt.Sprintf(`{"msisdn":%q,"status":"ACTIVE"}`, oldKey)),
		NewValues:     []byte(fmt.Sprintf(`{"msisdn":%q,"status":"ACTIVE"}`, newKey)),
		SubscriberKey: newKey,
		ChangeSource:  store.SourceAPI,
		OccurredAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	res, err := h.engine.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Expected the rename to process, got %+v", res)
	}

	for _, key := range []string{oldKey, newKey} {
		if _, ok := h.cache.Get(cache.EntryKey(key)); ok {
			t.Errorf("Expected cache entry for %s to be invalidated", key)
		}
	}
	if _, ok := h.index.Get(oldKey); ok {
		t.Error("Expected old key to leave the index after rename")
	}
	if _, ok := h.index.Get(newKey); !ok {
		t.Error("Expected new key in the index after rename")
	}
}
