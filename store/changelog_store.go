package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/subwatch/subwatch/telemetry"
)

// ChangeLogStore is the query surface over the change log. All SQL is built
// through goqu against the store's dialect so the same code serves sqlite
// and MySQL deployments.
type ChangeLogStore struct {
	db         *sql.DB
	dialect    goqu.DialectWrapper
	maxRetries int
}

// NewChangeLogStore wraps the store's handle. maxRetries bounds the retry
// eligibility and exhaustion queries.
func NewChangeLogStore(s *Store, maxRetries int) *ChangeLogStore {
	return &ChangeLogStore{
		db:         s.db,
		dialect:    s.dialect,
		maxRetries: maxRetries,
	}
}

var recordColumns = []interface{}{
	"id", "entity_table", "entity_id", "operation",
	"old_values", "new_values", "subscriber_key", "change_source",
	"occurred_at", "state", "retry_count", "last_error",
	"last_attempt_at", "next_retry_at", "processed_at",
}

// FetchUnprocessed returns up to limit PENDING records, oldest first.
// The id tiebreak keeps same-timestamp records in capture order.
func (c *ChangeLogStore) FetchUnprocessed(ctx context.Context, limit int) ([]*ChangeRecord, error) {
	query, args, err := c.dialect.From(TableChangeLog).
		Select(recordColumns...).
		Where(goqu.Ex{"state": StatePending}).
		Order(goqu.I("occurred_at").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch query: %w", err)
	}

	return c.queryRecords(ctx, "fetch_unprocessed", query, args)
}

// FetchRetryable returns up to limit FAILED records whose retry budget is
// not exhausted and whose backoff window has elapsed, oldest first.
func (c *ChangeLogStore) FetchRetryable(ctx context.Context, limit int) ([]*ChangeRecord, error) {
	now := time.Now().UnixMilli()

	query, args, err := c.dialect.From(TableChangeLog).
		Select(recordColumns...).
		Where(
			goqu.Ex{"state": StateFailed},
			goqu.C("retry_count").Lt(c.maxRetries),
			goqu.C("next_retry_at").IsNotNull(),
			goqu.C("next_retry_at").Lte(now),
		).
		Order(goqu.I("occurred_at").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build retry query: %w", err)
	}

	return c.queryRecords(ctx, "fetch_retryable", query, args)
}

func (c *ChangeLogStore) queryRecords(ctx context.Context, op, query string, args []interface{}) ([]*ChangeRecord, error) {
	start := time.Now()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		telemetry.StoreOpsTotal.With(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		telemetry.StoreOpsTotal.With(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	telemetry.StoreOpsTotal.With(op, "success").Inc()
	telemetry.StoreOpDurationSeconds.With(op).Observe(time.Since(start).Seconds())
	return records, nil
}

func scanRecords(rows *sql.Rows) ([]*ChangeRecord, error) {
	var records []*ChangeRecord

	for rows.Next() {
		var (
			rec                               ChangeRecord
			oldVals, newVals, subKey, lastErr sql.NullString
			occurredAt                        int64
			lastAttempt, nextRetry, processed sql.NullInt64
		)

		err := rows.Scan(
			&rec.ID, &rec.EntityTable, &rec.EntityID, &rec.Operation,
			&oldVals, &newVals, &subKey, &rec.ChangeSource,
			&occurredAt, &rec.State, &rec.RetryCount, &lastErr,
			&lastAttempt, &nextRetry, &processed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}

		if oldVals.Valid {
			rec.OldValues = []byte(oldVals.String)
		}
		if newVals.Valid {
			rec.NewValues = []byte(newVals.String)
		}
		rec.SubscriberKey = subKey.String
		rec.LastError = lastErr.String
		rec.OccurredAt = fromMillis(occurredAt)
		if lastAttempt.Valid {
			rec.LastAttemptAt = fromMillis(lastAttempt.Int64)
		}
		if nextRetry.Valid {
			rec.NextRetryAt = fromMillis(nextRetry.Int64)
		}
		if processed.Valid {
			rec.ProcessedAt = fromMillis(processed.Int64)
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

// MarkProcessing flips a PENDING or retry-eligible FAILED record to
// PROCESSING, recording the attempt time. The write happens before any
// reconciliation work so a crash leaves a detectable PROCESSING row.
// Returns ErrNotFound when the record is in neither state.
func (c *ChangeLogStore) MarkProcessing(ctx context.Context, id int64) error {
	query, args, err := c.dialect.Update(TableChangeLog).
		Set(goqu.Record{
			"state":           StateProcessing,
			"last_attempt_at": time.Now().UnixMilli(),
		}).
		Where(goqu.Ex{
			"id":    id,
			"state": []string{StatePending, StateFailed},
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mark-processing query: %w", err)
	}

	return c.execOne(ctx, "mark_processing", query, args)
}

// MarkProcessed completes a PROCESSING record.
func (c *ChangeLogStore) MarkProcessed(ctx context.Context, id int64) error {
	query, args, err := c.dialect.Update(TableChangeLog).
		Set(goqu.Record{
			"state":        StateProcessed,
			"processed_at": time.Now().UnixMilli(),
			"last_error":   nil,
		}).
		Where(goqu.Ex{
			"id":    id,
			"state": StateProcessing,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mark-processed query: %w", err)
	}

	return c.execOne(ctx, "mark_processed", query, args)
}

// MarkFailed records a transient failure: increments the retry count and
// persists the next retry eligibility time computed by the caller's policy.
func (c *ChangeLogStore) MarkFailed(ctx context.Context, id int64, reason string, nextRetryAt time.Time) error {
	query, args, err := c.dialect.Update(TableChangeLog).
		Set(goqu.Record{
			"state":           StateFailed,
			"retry_count":     goqu.L("retry_count + 1"),
			"last_error":      reason,
			"last_attempt_at": time.Now().UnixMilli(),
			"next_retry_at":   nextRetryAt.UnixMilli(),
		}).
		Where(goqu.Ex{
			"id":    id,
			"state": StateProcessing,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mark-failed query: %w", err)
	}

	return c.execOne(ctx, "mark_failed", query, args)
}

// MarkFailedPermanent fails a record with its retry budget exhausted.
// Used for malformed records that would fail identically on every retry.
func (c *ChangeLogStore) MarkFailedPermanent(ctx context.Context, id int64, reason string) error {
	query, args, err := c.dialect.Update(TableChangeLog).
		Set(goqu.Record{
			"state":           StateFailed,
			"retry_count":     c.maxRetries,
			"last_error":      reason,
			"last_attempt_at": time.Now().UnixMilli(),
			"next_retry_at":   nil,
		}).
		Where(goqu.Ex{
			"id":    id,
			"state": []string{StatePending, StateProcessing},
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mark-failed-permanent query: %w", err)
	}

	return c.execOne(ctx, "mark_failed_permanent", query, args)
}

func (c *ChangeLogStore) execOne(ctx context.Context, op, query string, args []interface{}) error {
	start := time.Now()

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		telemetry.StoreOpsTotal.With(op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		telemetry.StoreOpsTotal.With(op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		telemetry.StoreOpsTotal.With(op, "not_found").Inc()
		return ErrNotFound
	}

	telemetry.StoreOpsTotal.With(op, "success").Inc()
	telemetry.StoreOpDurationSeconds.With(op).Observe(time.Since(start).Seconds())
	return nil
}

// Insert appends a change record programmatically. The capture triggers are
// the normal write path; this serves API-originated changes and tests.
func (c *ChangeLogStore) Insert(ctx context.Context, rec *ChangeRecord) (int64, error) {
	row := goqu.Record{
		"entity_table":   rec.EntityTable,
		"entity_id":      rec.EntityID,
		"operation":      rec.Operation,
		"subscriber_key": nullable(rec.SubscriberKey),
		"change_source":  rec.ChangeSource,
		"occurred_at":    rec.OccurredAt.UnixMilli(),
		"state":          StatePending,
		"retry_count":    0,
	}
	if len(rec.OldValues) > 0 {
		row["old_values"] = string(rec.OldValues)
	}
	if len(rec.NewValues) > 0 {
		row["new_values"] = string(rec.NewValues)
	}

	query, args, err := c.dialect.Insert(TableChangeLog).
		Rows(row).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build insert query: %w", err)
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		telemetry.StoreOpsTotal.With("insert", "error").Inc()
		return 0, fmt.Errorf("insert: %w", err)
	}

	telemetry.StoreOpsTotal.With("insert", "success").Inc()
	return res.LastInsertId()
}

// GetByID fetches a single record regardless of state.
func (c *ChangeLogStore) GetByID(ctx context.Context, id int64) (*ChangeRecord, error) {
	query, args, err := c.dialect.From(TableChangeLog).
		Select(recordColumns...).
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build get query: %w", err)
	}

	records, err := c.queryRecords(ctx, "get_by_id", query, args)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// CountUnprocessed counts PENDING records.
func (c *ChangeLogStore) CountUnprocessed(ctx context.Context) (int64, error) {
	return c.countWhere(ctx, goqu.Ex{"state": StatePending})
}

// CountFailed counts FAILED records still inside their retry budget.
func (c *ChangeLogStore) CountFailed(ctx context.Context) (int64, error) {
	return c.countWhere(ctx,
		goqu.Ex{"state": StateFailed},
		goqu.C("retry_count").Lt(c.maxRetries),
	)
}

// CountExhausted counts FAILED records past their retry budget. These stay
// visible until an operator intervenes.
func (c *ChangeLogStore) CountExhausted(ctx context.Context) (int64, error) {
	return c.countWhere(ctx,
		goqu.Ex{"state": StateFailed},
		goqu.C("retry_count").Gte(c.maxRetries),
	)
}

// CountStuckProcessing counts records left PROCESSING longer than olderThan,
// the residue of crashed or force-reset cycles.
func (c *ChangeLogStore) CountStuckProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	return c.countWhere(ctx,
		goqu.Ex{"state": StateProcessing},
		goqu.C("last_attempt_at").Lt(cutoff),
	)
}

func (c *ChangeLogStore) countWhere(ctx context.Context, where ...goqu.Expression) (int64, error) {
	query, args, err := c.dialect.From(TableChangeLog).
		Select(goqu.COUNT(goqu.Star())).
		Where(where...).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		telemetry.StoreOpsTotal.With("count", "error").Inc()
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// OldestUnprocessed returns the occurred_at of the oldest PENDING record,
// zero time when the backlog is empty.
func (c *ChangeLogStore) OldestUnprocessed(ctx context.Context) (time.Time, error) {
	query, args, err := c.dialect.From(TableChangeLog).
		Select(goqu.MIN("occurred_at")).
		Where(goqu.Ex{"state": StatePending}).
		Prepared(true).ToSQL()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to build oldest query: %w", err)
	}

	var oldest sql.NullInt64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&oldest); err != nil {
		telemetry.StoreOpsTotal.With("oldest_unprocessed", "error").Inc()
		return time.Time{}, fmt.Errorf("oldest_unprocessed: %w", err)
	}

	if !oldest.Valid {
		return time.Time{}, nil
	}
	return fromMillis(oldest.Int64), nil
}

// DeleteProcessedBefore purges PROCESSED records older than cutoff.
// FAILED records are never purged here; operators own their removal.
func (c *ChangeLogStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := c.dialect.Delete(TableChangeLog).
		Where(
			goqu.Ex{"state": StateProcessed},
			goqu.C("processed_at").IsNotNull(),
			goqu.C("processed_at").Lt(cutoff.UnixMilli()),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build cleanup query: %w", err)
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		telemetry.StoreOpsTotal.With("delete_processed", "error").Inc()
		return 0, fmt.Errorf("delete_processed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete_processed: %w", err)
	}

	telemetry.StoreOpsTotal.With("delete_processed", "success").Inc()
	return affected, nil
}

// BacklogStats bundles the backlog counters for gauge refresh.
func (c *ChangeLogStore) BacklogStats(ctx context.Context) (telemetry.BacklogStats, error) {
	unprocessed, err := c.CountUnprocessed(ctx)
	if err != nil {
		return telemetry.BacklogStats{}, err
	}
	failed, err := c.CountFailed(ctx)
	if err != nil {
		return telemetry.BacklogStats{}, err
	}
	exhausted, err := c.CountExhausted(ctx)
	if err != nil {
		return telemetry.BacklogStats{}, err
	}
	oldest, err := c.OldestUnprocessed(ctx)
	if err != nil {
		return telemetry.BacklogStats{}, err
	}

	return telemetry.BacklogStats{
		Unprocessed: unprocessed,
		Failed:      failed,
		Exhausted:   exhausted,
		Oldest:      oldest,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
