package cache

import (
	"database/sql"
	"time"
)

// Job mirrors a job row for durable listing; the live job table is owned by
// internal/jobengine — this is a cache for restart-survival of history only
// (the worker does not attempt to resume in-flight jobs across restarts).
type Job struct {
	ID              string
	ThreadID        string
	TurnID          string
	State           string
	ErrorMessage    string
	NextSeq         int64
	FirstSeq        int64
	FinishedEmitted bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	TerminalAt      *time.Time
}

// UpsertJob inserts or replaces a job row.
func (s *Store) UpsertJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminalAt any
	if j.TerminalAt != nil {
		terminalAt = j.TerminalAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`INSERT INTO jobs
			(id, thread_id, turn_id, state, error_message, next_seq, first_seq, finished_emitted, created_at, updated_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			turn_id=excluded.turn_id,
			state=excluded.state,
			error_message=excluded.error_message,
			next_seq=excluded.next_seq,
			first_seq=excluded.first_seq,
			finished_emitted=excluded.finished_emitted,
			updated_at=excluded.updated_at,
			terminal_at=excluded.terminal_at`,
		j.ID, j.ThreadID, j.TurnID, j.State, j.ErrorMessage, j.NextSeq, j.FirstSeq, boolToInt(j.FinishedEmitted),
		j.CreatedAt.UTC().Format(time.RFC3339Nano), j.UpdatedAt.UTC().Format(time.RFC3339Nano), terminalAt)
	return err
}

// GetJob returns a single job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, thread_id, turn_id, state, error_message, next_seq, first_seq, finished_emitted, created_at, updated_at, terminal_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var finished int
	var created, updated string
	var terminalAt sql.NullString
	if err := row.Scan(&j.ID, &j.ThreadID, &j.TurnID, &j.State, &j.ErrorMessage, &j.NextSeq, &j.FirstSeq,
		&finished, &created, &updated, &terminalAt); err != nil {
		return nil, err
	}
	j.FinishedEmitted = finished != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if terminalAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, terminalAt.String)
		j.TerminalAt = &t
	}
	return &j, nil
}
