// Package cache provides a durable SQLite-backed mirror of threads, jobs,
// events, approvals, push-device registrations, and the thread-event
// projection. It is not the source of truth: the upstream agent owns thread
// and turn history; this store exists so the worker can serve replay and
// listing requests without round-tripping to the agent on every read.
package cache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB with the serialized-write discipline the rest of the
// worker relies on: all writes go through methods on Store, which take mu.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL journaling and foreign keys, and applies pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set foreign_keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []func(*sql.DB) error{
	migrateV1,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		if err != sql.ErrNoRows {
			return err
		}
		current = 0
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
	}

	for i := current; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return err
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL,
			preview TEXT,
			model_provider TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			turn_id TEXT,
			state TEXT NOT NULL,
			error_message TEXT,
			next_seq INTEGER NOT NULL DEFAULT 0,
			first_seq INTEGER NOT NULL DEFAULT 0,
			finished_emitted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			terminal_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_thread ON jobs(thread_id)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts TEXT NOT NULL,
			payload TEXT,
			PRIMARY KEY (job_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			thread_id TEXT NOT NULL,
			turn_id TEXT,
			item_id TEXT,
			kind TEXT NOT NULL,
			upstream_request_id TEXT NOT NULL,
			upstream_method TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_job ON approvals(job_id)`,
		`CREATE TABLE IF NOT EXISTS approval_decisions (
			approval_id TEXT PRIMARY KEY REFERENCES approvals(id) ON DELETE CASCADE,
			decision_text TEXT NOT NULL,
			decided_at TEXT NOT NULL,
			actor TEXT,
			extra TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS push_devices (
			token TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			bundle_id TEXT,
			environment TEXT,
			device_name TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_seen_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS thread_event_projection (
			thread_id TEXT NOT NULL,
			thread_cursor INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts TEXT NOT NULL,
			job_id TEXT,
			seq INTEGER,
			payload TEXT,
			PRIMARY KEY (thread_id, thread_cursor)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
