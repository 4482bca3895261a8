package cache

import (
	"database/sql"
	"time"
)

// Thread mirrors the agent's thread record.
type Thread struct {
	ID            string
	WorkingDir    string
	Preview       string
	ModelProvider string
	Archived      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertThread inserts or replaces a thread row.
func (s *Store) UpsertThread(t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO threads (id, working_dir, preview, model_provider, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			working_dir=excluded.working_dir,
			preview=excluded.preview,
			model_provider=excluded.model_provider,
			archived=excluded.archived,
			updated_at=excluded.updated_at`,
		t.ID, t.WorkingDir, t.Preview, t.ModelProvider, boolToInt(t.Archived),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetThread returns a single thread by id.
func (s *Store) GetThread(id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, working_dir, preview, model_provider, archived, created_at, updated_at
		FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// ListThreads returns all threads, optionally filtered by archived status.
func (s *Store) ListThreads(archived *bool) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if archived != nil {
		rows, err = s.db.Query(`SELECT id, working_dir, preview, model_provider, archived, created_at, updated_at
			FROM threads WHERE archived = ? ORDER BY updated_at DESC`, boolToInt(*archived))
	} else {
		rows, err = s.db.Query(`SELECT id, working_dir, preview, model_provider, archived, created_at, updated_at
			FROM threads ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Thread
	for rows.Next() {
		t, err := scanThreadRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanThread(row scannable) (*Thread, error) {
	var t Thread
	var archived int
	var created, updated string
	if err := row.Scan(&t.ID, &t.WorkingDir, &t.Preview, &t.ModelProvider, &archived, &created, &updated); err != nil {
		return nil, err
	}
	t.Archived = archived != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}

func scanThreadRows(rows *sql.Rows) (*Thread, error) {
	return scanThread(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
