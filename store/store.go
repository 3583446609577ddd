package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
)

// Store owns the database handle shared by the change log and the
// subscription reads.
type Store struct {
	db      *sql.DB
	driver  cfg.StoreDriver
	dialect goqu.DialectWrapper
}

// Open connects to the configured durable store. sqlite DSNs are decorated
// with WAL and busy-timeout settings unless the target is an in-memory
// database.
func Open(conf cfg.StoreConfiguration) (*Store, error) {
	driverName := string(conf.Driver)
	dsn := conf.DSN

	if conf.Driver == cfg.DriverSQLite {
		driverName = SQLiteDriverName
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if conf.MaxOpenConns > 0 {
		db.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if conf.MaxIdleConns > 0 {
		db.SetMaxIdleConns(conf.MaxIdleConns)
	}
	if conf.ConnLifetimeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(conf.ConnLifetimeSec) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach store: %w", err)
	}

	log.Info().
		Str("driver", string(conf.Driver)).
		Msg("Durable store connected")

	return &Store{
		db:      db,
		driver:  conf.Driver,
		dialect: dialectFor(conf.Driver),
	}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, ":memory:") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_journal_mode=WAL&_busy_timeout=5000"
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

func dialectFor(driver cfg.StoreDriver) goqu.DialectWrapper {
	if driver == cfg.DriverMySQL {
		return goqu.Dialect("mysql")
	}
	return goqu.Dialect("sqlite3")
}

// DB exposes the raw handle for tests and bootstrap tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap creates the change log and watched tables. Embedded mode only;
// external deployments own their schema.
func (s *Store) Bootstrap(ctx context.Context) error {
	if s.driver != cfg.DriverSQLite {
		return fmt.Errorf("embedded bootstrap requires the sqlite3 driver, got %s", s.driver)
	}

	for _, schema := range Schemas() {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Info().Msg("Store schema bootstrapped")
	return nil
}

// InstallChangeCapture installs the AFTER INSERT/UPDATE/DELETE triggers that
// record external mutations of the subscribers table into the change log.
// On MySQL deployments the triggers are provisioned by the external system.
func (s *Store) InstallChangeCapture(ctx context.Context) error {
	if s.driver != cfg.DriverSQLite {
		return fmt.Errorf("change capture triggers require the sqlite3 driver, got %s", s.driver)
	}

	ddl := CaptureTriggers(TableSubscribers, snapshotKeyField, subscriberSnapshotColumns)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to install capture triggers: %w", err)
	}

	log.Info().Str("table", TableSubscribers).Msg("Change capture triggers installed")
	return nil
}
