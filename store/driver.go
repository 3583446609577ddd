package store

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with per-connection pragmas
const SQLiteDriverName = "sqlite3_subwatch"

func init() {
	// Register custom SQLite driver so every pooled connection enforces
	// foreign keys between the watched tables and the change log
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA foreign_keys = ON", nil)
			return err
		},
	})
}
