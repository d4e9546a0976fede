// Package dbconn opens the embedded index database. It is built on
// modernc.org/sqlite, a cgo-free sqlite driver, chosen over
// mattn/go-sqlite3 specifically because it keeps the proxy's
// scratch-container deployment story cgo-free, matching the proxy's
// own design constraint (main.go's "-healthcheck" comment about having
// no curl/wget available in the image).
package dbconn

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the sqlite database at path,
// applying the WAL, durability, foreign-key and busy-timeout pragmas
// the index relies on.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection avoids SQLITE_BUSY under WAL; every read and
	// write is serialized through that one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	return db, nil
}
