package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Subscriber status constants
const (
	SubscriberActive    = "ACTIVE"
	SubscriberSuspended = "SUSPENDED"
	SubscriberDeleted   = "DELETED"
)

// SubscriberRecord is the authoritative durable row. Reconciliation always
// re-reads this, never the change-record snapshots.
type SubscriberRecord struct {
	ID        int64
	Key       string // primary identifier (MSISDN)
	IMSI      string
	ICCID     string
	Status    string
	Profile   string
	UpdatedAt time.Time
}

// SubscriberStore provides authoritative reads over the watched table.
type SubscriberStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// NewSubscriberStore wraps the store's handle.
func NewSubscriberStore(s *Store) *SubscriberStore {
	return &SubscriberStore{
		db:      s.db,
		dialect: s.dialect,
	}
}

var subscriberColumns = []interface{}{
	"id", "msisdn", "imsi", "iccid", "status", "profile", "updated_at",
}

// GetByKey fetches a subscriber by primary identifier.
// Returns ErrNotFound when the row does not exist.
func (s *SubscriberStore) GetByKey(ctx context.Context, key string) (*SubscriberRecord, error) {
	return s.getOne(ctx, goqu.Ex{"msisdn": key})
}

// GetByEntityID fetches a subscriber by durable row id, the form the
// change records address entities by.
func (s *SubscriberStore) GetByEntityID(ctx context.Context, entityID string) (*SubscriberRecord, error) {
	return s.getOne(ctx, goqu.Ex{"id": entityID})
}

func (s *SubscriberStore) getOne(ctx context.Context, where goqu.Ex) (*SubscriberRecord, error) {
	query, args, err := s.dialect.From(TableSubscribers).
		Select(subscriberColumns...).
		Where(where).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build subscriber query: %w", err)
	}

	rec, err := scanSubscriber(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanSubscriber(row *sql.Row) (*SubscriberRecord, error) {
	var (
		rec                  SubscriberRecord
		imsi, iccid, profile sql.NullString
		updatedAt            int64
	)

	err := row.Scan(&rec.ID, &rec.Key, &imsi, &iccid, &rec.Status, &profile, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.IMSI = imsi.String
	rec.ICCID = iccid.String
	rec.Profile = profile.String
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// ScanAll streams every subscriber through fn in id order, batchSize rows
// per query. Used by full index rebuilds. fn returning an error stops the
// scan.
func (s *SubscriberStore) ScanAll(ctx context.Context, batchSize int, fn func(*SubscriberRecord) error) error {
	var lastID int64

	for {
		query, args, err := s.dialect.From(TableSubscribers).
			Select(subscriberColumns...).
			Where(goqu.C("id").Gt(lastID)).
			Order(goqu.I("id").Asc()).
			Limit(uint(batchSize)).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build scan query: %w", err)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan_all: %w", err)
		}

		count := 0
		for rows.Next() {
			var (
				rec                  SubscriberRecord
				imsi, iccid, profile sql.NullString
				updatedAt            int64
			)

			err := rows.Scan(&rec.ID, &rec.Key, &imsi, &iccid, &rec.Status, &profile, &updatedAt)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan subscriber: %w", err)
			}

			rec.IMSI = imsi.String
			rec.ICCID = iccid.String
			rec.Profile = profile.String
			rec.UpdatedAt = fromMillis(updatedAt)

			if err := fn(&rec); err != nil {
				rows.Close()
				return err
			}

			lastID = rec.ID
			count++
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("scan_all: %w", err)
		}
		rows.Close()

		if count < batchSize {
			return nil
		}
	}
}

// Count returns the number of subscriber rows.
func (s *SubscriberStore) Count(ctx context.Context) (int64, error) {
	query, args, err := s.dialect.From(TableSubscribers).
		Select(goqu.COUNT(goqu.Star())).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("subscriber count: %w", err)
	}
	return count, nil
}
