// Package db owns the sqlite connection the session/user/invite-code
// repositories share, and applies the forward-only migrations in
// internal/db/migrations on startup.
package db

import (
	"database/sql"
	"fmt"

	"github.com/octoplane/octoplane/internal/db/migrations"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the sqlite database at path with
// WAL journaling and a busy timeout.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: set foreign_keys: %w", err)
	}

	// modernc.org/sqlite is a pure-Go driver without real concurrent
	// writers; cap the pool at 1 connection so writes serialize cleanly
	// instead of hitting SQLITE_BUSY under the WAL reader/writer model.
	db.SetMaxOpenConns(1)

	if err := migrations.Apply(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: apply migrations: %w", err)
	}

	return db, nil
}
