package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the embedded/dev registry backend at path (a file path,
// or ":memory:" for an ephemeral test database), via the pure-Go
// modernc.org/sqlite driver — no cgo, matching the original's choice of
// SQLite for development ("we do not intend to use Sqlite in production").
func OpenSQLite(path string) (Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent participants.
	if err := ensureSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlRegistry{db: db, translate: passthrough}, nil
}

// ensureSQLiteSchema creates the membership table if it doesn't already
// exist, so a bare dev DSN ("file::memory:" or a fresh file path) is usable
// without an external migration step.
func ensureSQLiteSchema(db *sql.DB) error {
	const ddl = `CREATE TABLE IF NOT EXISTS conga_congamember (
		id INTEGER PRIMARY KEY,
		conga_id INTEGER NOT NULL
	)`
	_, err := db.Exec(ddl)
	return err
}
