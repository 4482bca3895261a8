// Package jobengine owns the Job and Approval lifecycle: it translates the
// upstream agent's notifications and server-originated requests into the
// worker's job/approval state machine, enforces per-thread single-flight,
// and maintains approval correlation tables.
package jobengine

import (
	"encoding/json"
	"time"

	"github.com/relaykit/worker/internal/eventlog"
)

// State is one of the six job lifecycle states.
type State string

const (
	StateQueued          State = "QUEUED"
	StateRunning         State = "RUNNING"
	StateWaitingApproval State = "WAITING_APPROVAL"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
)

// IsActive reports whether a state counts toward the at-most-one-active-job
// per thread invariant.
func (s State) IsActive() bool {
	return s == StateQueued || s == StateRunning || s == StateWaitingApproval
}

// IsTerminal reports whether a state is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// ApprovalKind is the closed set of approval kinds.
type ApprovalKind string

const (
	KindCommandExecution ApprovalKind = "command_execution"
	KindFileChange       ApprovalKind = "file_change"
)

// Job is the worker-side lifecycle object wrapping a single upstream turn.
type Job struct {
	ID                 string
	ThreadID           string
	TurnID             string
	State              State
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	TerminalAt         *time.Time
	PendingApprovalIDs map[string]struct{}
	FinishedEmitted    bool

	Log *eventlog.Log
}

// Approval is a pending or resolved server-originated decision request.
type Approval struct {
	ID                string
	JobID             string
	ThreadID          string
	TurnID            string
	ItemID            string
	Kind              ApprovalKind
	UpstreamRequestID json.RawMessage
	UpstreamMethod    string
	Payload           json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Decision          *Decision
}

// Decision is the terminal record for an approval.
type Decision struct {
	ApprovalID   string
	DecisionText string
	DecidedAt    time.Time
	Actor        string
	Extra        json.RawMessage
}

// DTO snapshots are what operations return to callers (HTTP handlers); they
// are plain copies so callers never hold a reference into engine-owned state.

// JobDTO is a point-in-time snapshot of a Job.
type JobDTO struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	TurnID       string    `json:"turnId,omitempty"`
	State        State     `json:"state"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (j *Job) toDTO() JobDTO {
	return JobDTO{
		ID:           j.ID,
		ThreadID:     j.ThreadID,
		TurnID:       j.TurnID,
		State:        j.State,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// ThreadDTO mirrors the agent's thread record.
type ThreadDTO struct {
	ID            string    `json:"id"`
	WorkingDir    string    `json:"workingDir"`
	Preview       string    `json:"preview,omitempty"`
	ModelProvider string    `json:"modelProvider,omitempty"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateThreadParams are the client-supplied inputs to createThread.
type CreateThreadParams struct {
	ProjectSelector string `json:"projectSelector"`
	Name            string `json:"name,omitempty"`
	ApprovalPolicy  string `json:"approvalPolicy,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

// Decision text constants, per the approve() decision-mapping table.
const (
	DecisionAccept                       = "accept"
	DecisionAcceptForSession             = "accept_for_session"
	DecisionDecline                      = "decline"
	DecisionCancel                       = "cancel"
	DecisionAcceptWithExecPolicyAmendment = "accept_with_execpolicy_amendment"
)

// ApproveRequest is the client-supplied body of POST /v1/jobs/{id}/approve.
type ApproveRequest struct {
	ApprovalID          string   `json:"approvalId"`
	Decision            string   `json:"decision"`
	ExecPolicyAmendment []string `json:"execPolicyAmendment,omitempty"`
	DeclineReason       string   `json:"declineReason,omitempty"`
}

// ApproveResult is returned to the client after approve().
type ApproveResult struct {
	Status   string `json:"status"` // "submitted" | "already_submitted"
	Decision string `json:"decision"`
}
