package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cache"
	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/index"
	"github.com/subwatch/subwatch/notifier"
	"github.com/subwatch/subwatch/store"
	"github.com/subwatch/subwatch/telemetry"
)

// Engine reconciles captured changes against the derived views: cache
// entries are invalidated, the in-memory index is refreshed from the
// authoritative store, and an event is handed to the notification
// dispatcher. A failing record is scheduled for retry; it never aborts
// the records around it.
type Engine struct {
	records    *store.ChangeLogStore
	cache      cache.Cache
	index      *index.Index
	dispatcher *notifier.Dispatcher

	policy  RetryPolicy
	workers int

	maxUnprocessed int64
	maxLag         time.Duration
}

// New wires the reconciliation engine. The dispatcher may be nil when no
// notification sinks are configured.
func New(records *store.ChangeLogStore, c cache.Cache, idx *index.Index, dispatcher *notifier.Dispatcher, conf cfg.SyncConfiguration) *Engine {
	workers := conf.Workers
	if workers < 1 {
		workers = 1
	}

	return &Engine{
		records:        records,
		cache:          c,
		index:          idx,
		dispatcher:     dispatcher,
		policy:         PolicyFromConfig(conf),
		workers:        workers,
		maxUnprocessed: int64(conf.MaxUnprocessed),
		maxLag:         time.Duration(conf.MaxLagSeconds) * time.Second,
	}
}

// RunCycle drains up to batchSize PENDING records, oldest first.
func (e *Engine) RunCycle(ctx context.Context, batchSize int) (SyncCycleResult, error) {
	return e.runBatch(ctx, CycleSync, batchSize, e.records.FetchUnprocessed)
}

// RunRetryCycle drains up to batchSize FAILED records whose backoff window
// has elapsed. Records past their retry budget are never fetched; they stay
// FAILED and are surfaced through Status.
func (e *Engine) RunRetryCycle(ctx context.Context, batchSize int) (SyncCycleResult, error) {
	return e.runBatch(ctx, CycleRetry, batchSize, e.records.FetchRetryable)
}

type fetchFunc func(ctx context.Context, limit int) ([]*store.ChangeRecord, error)

func (e *Engine) runBatch(ctx context.Context, kind string, batchSize int, fetch fetchFunc) (SyncCycleResult, error) {
	start := time.Now()
	result := SyncCycleResult{Kind: kind}

	records, err := fetch(ctx, batchSize)
	if err != nil {
		telemetry.SyncCyclesTotal.With(kind, "failed").Inc()
		return result, fmt.Errorf("fetching %s batch: %w", kind, err)
	}

	result.Fetched = len(records)
	if len(records) > 0 {
		e.processBatch(ctx, records, &result)
	}
	result.Elapsed = time.Since(start)

	telemetry.SyncCyclesTotal.With(kind, "success").Inc()
	telemetry.SyncCycleDurationSeconds.With(kind).Observe(result.Elapsed.Seconds())

	evt := log.Debug()
	if result.Fetched > 0 {
		evt = log.Info()
	}
	evt.Str("kind", kind).
		Int("fetched", result.Fetched).
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("malformed", result.Malformed).
		Int("skipped", result.Skipped).
		Dur("elapsed", result.Elapsed).
		Msg("Reconciliation cycle finished")

	return result, nil
}

// processBatch fans the batch out over the shard pool. Records that share a
// serialization key land on the same shard and keep their oldest-first order;
// shards run concurrently.
func (e *Engine) processBatch(ctx context.Context, records []*store.ChangeRecord, result *SyncCycleResult) {
	shards := shardBatch(records, e.workers)
	tallies := make([]recordTally, len(shards))

	var wg sync.WaitGroup
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}

		wg.Add(1)
		go func(i int, shard []*store.ChangeRecord) {
			defer wg.Done()
			for _, rec := range shard {
				tallies[i].add(e.processRecord(ctx, rec))
			}
		}(i, shard)
	}
	wg.Wait()

	for _, t := range tallies {
		result.merge(t)
	}
}

// processRecord reconciles one change record. The PROCESSING mark is written
// before any derived-state work so a crash mid-record leaves a detectable
// PROCESSING row instead of a silent replay.
func (e *Engine) processRecord(ctx context.Context, rec *store.ChangeRecord) recordOutcome {
	if err := rec.Validate(); err != nil {
		log.Warn().
			Err(err).
			Int64("record_id", rec.ID).
			Str("table", rec.EntityTable).
			Msg("Malformed change record failed permanently")
		if markErr := e.records.MarkFailedPermanent(ctx, rec.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Int64("record_id", rec.ID).Msg("Failed to mark malformed record")
		}
		telemetry.RecordsProcessedTotal.With("malformed").Inc()
		return outcomeMalformed
	}

	if err := e.records.MarkProcessing(ctx, rec.ID); err != nil {
		// A competing cycle already claimed or finished the record.
		log.Debug().Err(err).Int64("record_id", rec.ID).Msg("Skipping unclaimable record")
		return outcomeSkipped
	}

	telemetry.RecordsInFlight.Inc()
	defer telemetry.RecordsInFlight.Dec()

	if err := e.reconcile(ctx, rec); err != nil {
		e.failRecord(ctx, rec, err)
		return outcomeFailed
	}

	if err := e.records.MarkProcessed(ctx, rec.ID); err != nil {
		e.failRecord(ctx, rec, fmt.Errorf("marking processed: %w", err))
		return outcomeFailed
	}

	telemetry.RecordsProcessedTotal.With("processed").Inc()
	return outcomeProcessed
}

// reconcile refreshes every derived view the record touches: cache entries
// out first, then an authoritative re-read into the index, then the outbound
// event. A key rename yields both old and new keys, so both sides converge.
// Notification delivery is asynchronous and never fails the record.
func (e *Engine) reconcile(ctx context.Context, rec *store.ChangeRecord) error {
	keys := rec.Keys()

	for _, key := range keys {
		if err := e.cache.Invalidate(cache.EntryKey(key)); err != nil {
			return fmt.Errorf("invalidating cache for %s: %w", store.MaskKey(key), err)
		}
	}

	for _, key := range keys {
		if _, err := e.index.Refresh(ctx, key); err != nil {
			return fmt.Errorf("refreshing index for %s: %w", store.MaskKey(key), err)
		}
	}

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(notifier.NewChangeEvent(rec))
	}

	return nil
}

// failRecord schedules the next attempt. The store increments the retry
// count; the backoff window is computed from the count before this failure,
// so a first failure waits the base window.
func (e *Engine) failRecord(ctx context.Context, rec *store.ChangeRecord, cause error) {
	nextRetryAt := e.policy.NextRetryAt(time.Now(), rec.RetryCount)

	if err := e.records.MarkFailed(ctx, rec.ID, cause.Error(), nextRetryAt); err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("Failed to record failure")
		return
	}

	if e.policy.Exhausted(rec.RetryCount + 1) {
		telemetry.RecordsProcessedTotal.With("exhausted").Inc()
		log.Warn().
			Err(cause).
			Int64("record_id", rec.ID).
			Int("retry_count", rec.RetryCount+1).
			Msg("Record exhausted its retry budget")
		return
	}

	telemetry.RecordsProcessedTotal.With("failed").Inc()
	log.Warn().
		Err(cause).
		Int64("record_id", rec.ID).
		Int("retry_count", rec.RetryCount+1).
		Time("next_retry_at", nextRetryAt).
		Msg("Record failed, scheduled for retry")
}

// ForceRefresh re-reads one subscriber from the authoritative store into the
// index, drops its cache entry and emits a refresh event. The cache entry is
// left cold for the next read to repopulate.
func (e *Engine) ForceRefresh(ctx context.Context, key string) (RefreshResult, error) {
	found, err := e.index.Refresh(ctx, key)
	if err != nil {
		return RefreshResult{Key: key}, fmt.Errorf("refreshing %s: %w", store.MaskKey(key), err)
	}

	if err := e.cache.Invalidate(cache.EntryKey(key)); err != nil {
		return RefreshResult{Key: key}, fmt.Errorf("invalidating %s: %w", store.MaskKey(key), err)
	}

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(notifier.NewRefreshEvent(store.TableSubscribers, key))
	}

	log.Info().
		Str("key", store.MaskKey(key)).
		Bool("found", found).
		Msg("Forced subscriber refresh")

	return RefreshResult{Key: key, Found: found}, nil
}

// Invalidate drops one subscriber's cache entry. Unknown keys are a no-op.
func (e *Engine) Invalidate(key string) error {
	return e.cache.Invalidate(cache.EntryKey(key))
}

// InvalidateAll drops every cached subscriber entry and returns the count.
func (e *Engine) InvalidateAll() (int, error) {
	return e.cache.InvalidateAll(cache.EntryPrefix)
}

// Status reports backlog health. Healthy means both the unprocessed count
// and the oldest unprocessed record's age sit under their ceilings.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.records.BacklogStats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading backlog stats: %w", err)
	}

	var lag float64
	if !stats.Oldest.IsZero() {
		lag = time.Since(stats.Oldest).Seconds()
	}

	healthy := true
	if e.maxUnprocessed > 0 && stats.Unprocessed > e.maxUnprocessed {
		healthy = false
	}
	if e.maxLag > 0 && lag > e.maxLag.Seconds() {
		healthy = false
	}

	return Status{
		UnprocessedCount: stats.Unprocessed,
		FailedCount:      stats.Failed,
		ExhaustedCount:   stats.Exhausted,
		LagSeconds:       lag,
		Healthy:          healthy,
	}, nil
}

// PurgeProcessed removes PROCESSED records older than the retention window.
func (e *Engine) PurgeProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	purged, err := e.records.DeleteProcessedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		telemetry.RecordsPurgedTotal.Add(float64(purged))
		log.Info().Int64("purged", purged).Msg("Purged processed change records")
	}
	return purged, nil
}

// StuckCount reports records sitting in PROCESSING longer than olderThan,
// the residue of crashed or force-reset cycles.
func (e *Engine) StuckCount(ctx context.Context, olderThan time.Duration) (int64, error) {
	return e.records.CountStuckProcessing(ctx, olderThan)
}
