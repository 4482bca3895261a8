package cache

import (
	"database/sql"
	"time"
)

// Approval mirrors a pending or resolved approval.
type Approval struct {
	ID                string
	JobID             string
	ThreadID          string
	TurnID            string
	ItemID            string
	Kind              string
	UpstreamRequestID string
	UpstreamMethod    string
	Payload           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Decision is the terminal record for an approval.
type Decision struct {
	ApprovalID   string
	DecisionText string
	DecidedAt    time.Time
	Actor        string
	Extra        string
}

// UpsertApproval inserts or replaces an approval row.
func (s *Store) UpsertApproval(a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO approvals
			(id, job_id, thread_id, turn_id, item_id, kind, upstream_request_id, upstream_method, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		a.ID, a.JobID, a.ThreadID, a.TurnID, a.ItemID, a.Kind, a.UpstreamRequestID, a.UpstreamMethod, a.Payload,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), a.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// InsertDecision writes a decision if one does not already exist; this makes
// approve() idempotent at the storage layer: the first successful write wins.
func (s *Store) InsertDecision(d Decision) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT OR IGNORE INTO approval_decisions (approval_id, decision_text, decided_at, actor, extra)
		VALUES (?, ?, ?, ?, ?)`,
		d.ApprovalID, d.DecisionText, d.DecidedAt.UTC().Format(time.RFC3339Nano), d.Actor, d.Extra)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDecision returns the recorded decision for an approval, if any.
func (s *Store) GetDecision(approvalID string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT approval_id, decision_text, decided_at, actor, extra
		FROM approval_decisions WHERE approval_id = ?`, approvalID)
	var d Decision
	var decidedAt string
	if err := row.Scan(&d.ApprovalID, &d.DecisionText, &decidedAt, &d.Actor, &d.Extra); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt)
	return &d, nil
}
