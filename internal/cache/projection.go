package cache

import (
	"database/sql"
	"time"
)

// ProjectionEntry is one row of the flattened thread-event projection.
type ProjectionEntry struct {
	ThreadID     string
	ThreadCursor int64
	Type         string
	Ts           time.Time
	JobID        string
	Seq          *int64
	Payload      string
}

// ReplaceProjection atomically replaces the stored projection for a thread.
func (s *Store) ReplaceProjection(threadID string, entries []ProjectionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM thread_event_projection WHERE thread_id = ?`, threadID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO thread_event_projection (thread_id, thread_cursor, type, ts, job_id, seq, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var seq any
		if e.Seq != nil {
			seq = *e.Seq
		}
		if _, err := stmt.Exec(threadID, e.ThreadCursor, e.Type, e.Ts.UTC().Format(time.RFC3339Nano), e.JobID, seq, e.Payload); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetProjection returns entries for a thread within [fromCursor, toCursor).
func (s *Store) GetProjection(threadID string, fromCursor, toCursor int64) ([]ProjectionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT thread_id, thread_cursor, type, ts, job_id, seq, payload
		FROM thread_event_projection WHERE thread_id = ? AND thread_cursor >= ? AND thread_cursor < ?
		ORDER BY thread_cursor ASC`, threadID, fromCursor, toCursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ProjectionEntry
	for rows.Next() {
		var e ProjectionEntry
		var ts string
		var seq sql.NullInt64
		if err := rows.Scan(&e.ThreadID, &e.ThreadCursor, &e.Type, &ts, &e.JobID, &seq, &e.Payload); err != nil {
			return nil, err
		}
		e.Ts, _ = time.Parse(time.RFC3339Nano, ts)
		if seq.Valid {
			v := seq.Int64
			e.Seq = &v
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ProjectionCount returns the total number of projection rows for a thread.
func (s *Store) ProjectionCount(threadID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	row := s.db.QueryRow(`SELECT COUNT(*) FROM thread_event_projection WHERE thread_id = ?`, threadID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
