package cache

import "time"

// EventRow is the durable mirror of one event envelope.
type EventRow struct {
	JobID   string
	Seq     int64
	Type    string
	Ts      time.Time
	Payload string // JSON, stored opaque
}

// AppendEvent persists one event envelope. The event log calls it from a
// goroutine it starts alongside its fan-out to in-memory subscribers, so a
// slow disk write never blocks live delivery.
func (s *Store) AppendEvent(e EventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO job_events (job_id, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.Seq, e.Type, e.Ts.UTC().Format(time.RFC3339Nano), e.Payload)
	return err
}

// EvictEventsBefore deletes events with seq < firstSeq, mirroring in-memory
// retention eviction so the cache doesn't grow unbounded either.
func (s *Store) EvictEventsBefore(jobID string, firstSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM job_events WHERE job_id = ? AND seq < ?`, jobID, firstSeq)
	return err
}

// ListEvents returns events for a job with seq > afterSeq, in seq order.
func (s *Store) ListEvents(jobID string, afterSeq int64) ([]EventRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT job_id, seq, type, ts, payload FROM job_events
		WHERE job_id = ? AND seq > ? ORDER BY seq ASC`, jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var e EventRow
		var ts string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &ts, &e.Payload); err != nil {
			return nil, err
		}
		e.Ts, _ = time.Parse(time.RFC3339Nano, ts)
		result = append(result, e)
	}
	return result, rows.Err()
}
