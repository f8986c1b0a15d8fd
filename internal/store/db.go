package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at the default location under
// ~/.config/teampulse and runs migrations.
func Open() (*DB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("finding home directory: %w", err)
	}

	dir := filepath.Join(home, ".config", "teampulse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return OpenPath(filepath.Join(dir, "teampulse.db"))
}

// OpenPath opens the database at an explicit path.
func OpenPath(path string) (*DB, error) {
	return open(path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	store := &DB{db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate applies the schema. Statements are additive only, so rows written
// under an older index set stay readable.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			clickup_id INTEGER,
			name TEXT NOT NULL,
			initials TEXT NOT NULL DEFAULT '',
			target_hours REAL NOT NULL DEFAULT 8,
			status TEXT NOT NULL DEFAULT '',
			tracked_hours REAL NOT NULL DEFAULT 0,
			score REAL NOT NULL DEFAULT 0,
			last_active_date INTEGER NOT NULL DEFAULT 0,
			view_json TEXT NOT NULL DEFAULT '',
			synced_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			data TEXT NOT NULL,
			assignees TEXT NOT NULL DEFAULT '',
			date_updated INTEGER NOT NULL,
			cached_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_date_updated ON tasks(date_updated)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			user_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			key TEXT PRIMARY KEY,
			value REAL NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	return nil
}

// GetState reads a sync-metadata value; missing keys return "".
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(
		"INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// GetBaseline reads a numeric baseline and its update timestamp. A missing
// key returns ok=false rather than an error.
func (db *DB) GetBaseline(key string) (value float64, updatedAtMs int64, ok bool, err error) {
	err = db.QueryRow("SELECT value, updated_at FROM baselines WHERE key = ?", key).
		Scan(&value, &updatedAtMs)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading baseline %s: %w", key, err)
	}
	return value, updatedAtMs, true, nil
}

func (db *DB) SetBaseline(key string, value float64, updatedAtMs int64) error {
	_, err := db.Exec(
		`INSERT INTO baselines (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAtMs,
	)
	return err
}
