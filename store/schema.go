package store

import (
	"fmt"
	"strings"
)

// Table names for the embedded deployment mode
const (
	TableChangeLog   = "subscription_change_log"
	TableSubscribers = "subscribers"
)

const (
	// CreateChangeLogTable stores one row per captured external mutation.
	// Rows are written by the capture triggers (or by an external provisioning
	// system on MySQL deployments) and consumed oldest-first by the engine.
	CreateChangeLogTable = `
	CREATE TABLE IF NOT EXISTS subscription_change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_table TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL, -- INSERT, UPDATE, DELETE
		old_values TEXT, -- JSON snapshot before the change (UPDATE, DELETE)
		new_values TEXT, -- JSON snapshot after the change (INSERT, UPDATE)
		subscriber_key TEXT, -- extracted primary identifier, when known
		change_source TEXT NOT NULL DEFAULT 'DB_TRIGGER',
		occurred_at INTEGER NOT NULL, -- epoch millis
		state TEXT NOT NULL DEFAULT 'PENDING', -- PENDING, PROCESSING, PROCESSED, FAILED
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_attempt_at INTEGER,
		next_retry_at INTEGER,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_state_occurred ON subscription_change_log(state, occurred_at, id);
	CREATE INDEX IF NOT EXISTS idx_change_log_next_retry ON subscription_change_log(state, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_change_log_processed_at ON subscription_change_log(state, processed_at);
	`

	// CreateSubscribersTable is the watched entity table for the embedded mode.
	// External deployments point the capture triggers at their own tables.
	CreateSubscribersTable = `
	CREATE TABLE IF NOT EXISTS subscribers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msisdn TEXT NOT NULL UNIQUE,
		imsi TEXT,
		iccid TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		profile TEXT,
		updated_at INTEGER NOT NULL -- epoch millis
	);

	CREATE INDEX IF NOT EXISTS idx_subscribers_imsi ON subscribers(imsi);
	CREATE INDEX IF NOT EXISTS idx_subscribers_iccid ON subscribers(iccid);
	`
)

// Schemas returns the DDL statements in creation order.
func Schemas() []string {
	return []string{
		CreateChangeLogTable,
		CreateSubscribersTable,
	}
}

// subscriberSnapshotColumns are the columns captured into the JSON snapshots.
var subscriberSnapshotColumns = []string{"id", "msisdn", "imsi", "iccid", "status", "profile", "updated_at"}

// jsonObjectExpr builds a json_object(...) expression over row-qualified columns.
func jsonObjectExpr(row string, columns []string) string {
	parts := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("'%s', %s.%s", col, row, col))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// CaptureTriggers generates the AFTER INSERT/UPDATE/DELETE triggers that feed
// the change log for one watched table. keyColumn is the column holding the
// subscriber's primary identifier.
func CaptureTriggers(table, keyColumn string, snapshotColumns []string) string {
	occurredAt := `CAST(strftime('%s','now') AS INTEGER) * 1000`
	newJSON := jsonObjectExpr("NEW", snapshotColumns)
	oldJSON := jsonObjectExpr("OLD", snapshotColumns)

	return fmt.Sprintf(`
	CREATE TRIGGER IF NOT EXISTS trg_capture_%[1]s_insert
	AFTER INSERT ON %[1]s FOR EACH ROW
	BEGIN
		INSERT INTO subscription_change_log
			(entity_table, entity_id, operation, new_values, subscriber_key, change_source, occurred_at, state)
		VALUES
			('%[1]s', NEW.id, 'INSERT', %[3]s, NEW.%[2]s, 'DB_TRIGGER', %[5]s, 'PENDING');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_capture_%[1]s_update
	AFTER UPDATE ON %[1]s FOR EACH ROW
	BEGIN
		INSERT INTO subscription_change_log
			(entity_table, entity_id, operation, old_values, new_values, subscriber_key, change_source, occurred_at, state)
		VALUES
			('%[1]s', NEW.id, 'UPDATE', %[4]s, %[3]s, NEW.%[2]s, 'DB_TRIGGER', %[5]s, 'PENDING');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_capture_%[1]s_delete
	AFTER DELETE ON %[1]s FOR EACH ROW
	BEGIN
		INSERT INTO subscription_change_log
			(entity_table, entity_id, operation, old_values, subscriber_key, change_source, occurred_at, state)
		VALUES
			('%[1]s', OLD.id, 'DELETE', %[4]s, OLD.%[2]s, 'DB_TRIGGER', %[5]s, 'PENDING');
	END;
	`, table, keyColumn, newJSON, oldJSON, occurredAt)
}
