package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/cache"
	"github.com/relaykit/worker/internal/rpcbridge"
)

// HandleNotification is wired via bridge.OnNotification(engine.HandleNotification).
// It correlates a fire-and-forget upstream notification to a job and folds it
// into that job's event log and state.
func (e *Engine) HandleNotification(n rpcbridge.Notification) {
	var header struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		Status   string `json:"status"`
		Error    string `json:"error"`
	}
	_ = json.Unmarshal(n.Params, &header)

	job := e.correlate(header.ThreadID, header.TurnID)
	if job == nil {
		e.log.Warn("notification could not be correlated to a job", "method", n.Method, "threadId", header.ThreadID)
		return
	}

	switch n.Method {
	case "turn/started":
		e.startTurn(job, header.TurnID)
	case "turn/completed":
		e.finishTurn(job, header.Status, header.Error)
	case "turn/interrupted":
		e.finishTurn(job, "cancelled", "")
	default:
		// Everything else (item/message/delta, item/commandExecution/started,
		// item/commandExecution/output, item/fileChange/applied, ...) is
		// folded through verbatim; the thread-event projection is what gives
		// these a stable linear shape for clients.
		job.Log.Append(n.Method, n.Params)
		e.onInvalidate(job.ThreadID)
	}
}

// startTurn handles an upstream turn/started notification: any active job
// transitions to RUNNING, and if the turnId hadn't yet arrived (e.g. a
// notification racing the turn/start response) it's recorded the same way
// StartTurn records it on its own success path.
func (e *Engine) startTurn(job *Job, turnID string) {
	e.mu.Lock()
	if job.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if turnID != "" && job.TurnID == "" {
		job.TurnID = turnID
		e.jobsByThreadTurn[threadTurnKey(job.ThreadID, turnID)] = job
	}
	job.State = StateRunning
	job.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	job.Log.Append("turn.started", mustJSON(map[string]any{"turnId": turnID}))
	e.emitState(job, StateRunning)
	e.mirrorJob(job)
}

func (e *Engine) finishTurn(job *Job, status, errMessage string) {
	var final State
	switch status {
	case "done", "completed":
		final = StateDone
	case "cancelled", "interrupted":
		final = StateCancelled
	default:
		final = StateFailed
		if errMessage == "" {
			errMessage = fmt.Sprintf("turn ended with status %q", status)
		}
	}

	e.mu.Lock()
	if job.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	job.State = final
	job.ErrorMessage = errMessage
	job.UpdatedAt = time.Now().UTC()
	now := time.Now().UTC()
	job.TerminalAt = &now
	delete(e.activeJobByThread, job.ThreadID)
	e.mu.Unlock()

	e.emitState(job, final)
	e.emitFinished(job)
	e.mirrorJob(job)
}

// HandleRequest is wired via bridge.OnRequest(engine.HandleRequest). A
// server-originated request from the agent is, in this protocol, always an
// approval request: command execution or file change.
func (e *Engine) HandleRequest(req rpcbridge.Request) {
	var header struct {
		ThreadID string          `json:"threadId"`
		TurnID   string          `json:"turnId"`
		ItemID   string          `json:"itemId"`
		Rest     json.RawMessage `json:"-"`
	}
	_ = json.Unmarshal(req.Params, &header)

	job := e.correlate(header.ThreadID, header.TurnID)
	if job == nil {
		_ = e.upstream.RespondError(req.ID, -32001, "no job could be correlated to this approval request", nil)
		return
	}

	var kind ApprovalKind
	switch {
	case strings.HasPrefix(req.Method, "item/commandExecution/"):
		kind = KindCommandExecution
	case strings.HasPrefix(req.Method, "item/fileChange/"):
		kind = KindFileChange
	default:
		_ = e.upstream.RespondError(req.ID, -32001, fmt.Sprintf("unrecognized approval request method %q", req.Method), nil)
		return
	}

	approval := &Approval{
		ID:                approvalID(req.ID),
		JobID:             job.ID,
		ThreadID:          job.ThreadID,
		TurnID:            job.TurnID,
		ItemID:            header.ItemID,
		Kind:              kind,
		UpstreamRequestID: req.ID,
		UpstreamMethod:    req.Method,
		Payload:           req.Params,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}

	e.mu.Lock()
	e.approvalsByID[approval.ID] = approval
	job.PendingApprovalIDs[approval.ID] = struct{}{}
	if job.State != StateWaitingApproval {
		job.State = StateWaitingApproval
		job.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()

	if e.store != nil {
		_ = e.store.UpsertApproval(cache.Approval{
			ID: approval.ID, JobID: approval.JobID, ThreadID: approval.ThreadID, TurnID: approval.TurnID,
			ItemID: approval.ItemID, Kind: string(approval.Kind), UpstreamRequestID: string(approval.UpstreamRequestID),
			UpstreamMethod: approval.UpstreamMethod, Payload: string(approval.Payload),
			CreatedAt: approval.CreatedAt, UpdatedAt: approval.UpdatedAt,
		})
	}

	job.Log.Append("approval.requested", mustJSON(map[string]any{
		"approvalId": approval.ID, "kind": approval.Kind, "itemId": approval.ItemID,
	}))
	e.emitState(job, StateWaitingApproval)
	e.onNotify(NotificationEvent{
		ThreadID: job.ThreadID,
		JobID:    job.ID,
		Type:     "approval.requested",
		Title:    "Approval required",
		Body:     fmt.Sprintf("%s requires approval", approval.Kind),
	})
}

// approvalID derives a stable id from the JSON-RPC request id so repeated
// deliveries (which should not happen, but a flaky transport might) map to
// the same Approval rather than creating duplicates.
func approvalID(rawID json.RawMessage) string {
	return "appr-" + strings.Trim(string(rawID), `"`)
}

// correlate implements the three-tier job-correlation strategy: an exact
// thread+turn match, else the lone pending job for the thread that has not
// yet received a turnId, else the newest active job for the thread.
func (e *Engine) correlate(threadID, turnID string) *Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	if turnID != "" {
		if job, ok := e.jobsByThreadTurn[threadTurnKey(threadID, turnID)]; ok {
			return job
		}
	}

	if job, ok := e.activeJobByThread[threadID]; ok {
		if job.TurnID == "" || job.TurnID == turnID {
			return job
		}
	}

	var newest *Job
	for _, job := range e.jobsByID {
		if job.ThreadID != threadID || !job.State.IsActive() {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	return newest
}

// Approve resolves a pending approval per the decision-mapping table. It is
// idempotent: a repeat call for an already-decided approval returns the
// first decision without contacting the agent again.
func (e *Engine) Approve(ctx context.Context, jobID string, req ApproveRequest) (ApproveResult, error) {
	e.mu.Lock()
	job, ok := e.jobsByID[jobID]
	e.mu.Unlock()
	if !ok {
		return ApproveResult{}, apierror.New(apierror.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}

	e.mu.Lock()
	approval, ok := e.approvalsByID[req.ApprovalID]
	e.mu.Unlock()
	if !ok || approval.JobID != jobID {
		return ApproveResult{}, apierror.New(apierror.CodeApprovalNotFound, fmt.Sprintf("approval %s not found for job %s", req.ApprovalID, jobID))
	}

	if !validDecision(req.Decision) {
		return ApproveResult{}, apierror.New(apierror.CodeInvalidDecision, fmt.Sprintf("unrecognized decision %q", req.Decision))
	}
	if req.Decision == DecisionAcceptWithExecPolicyAmendment {
		if approval.Kind != KindCommandExecution {
			return ApproveResult{}, apierror.New(apierror.CodeInvalidDecisionForKind,
				"accept_with_execpolicy_amendment is only valid for command_execution approvals")
		}
		if err := validateAmendment(req.ExecPolicyAmendment); err != nil {
			return ApproveResult{}, err
		}
	}

	e.mu.Lock()
	alreadyDecided := approval.Decision != nil
	if !alreadyDecided {
		approval.Decision = &Decision{
			ApprovalID: approval.ID, DecisionText: req.Decision, DecidedAt: time.Now().UTC(),
		}
	}
	firstDecision := approval.Decision.DecisionText
	e.mu.Unlock()

	if e.store != nil {
		inserted, err := e.store.InsertDecision(cache.Decision{
			ApprovalID: approval.ID, DecisionText: req.Decision, DecidedAt: time.Now().UTC(),
		})
		if err == nil && !inserted {
			alreadyDecided = true
		}
	}

	if alreadyDecided {
		return ApproveResult{Status: "already_submitted", Decision: firstDecision}, nil
	}

	if err := e.respondApproval(ctx, approval, req); err != nil {
		return ApproveResult{}, err
	}

	e.mu.Lock()
	delete(job.PendingApprovalIDs, approval.ID)
	if len(job.PendingApprovalIDs) == 0 && job.State == StateWaitingApproval {
		job.State = StateRunning
		job.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()

	job.Log.Append("approval.decided", mustJSON(map[string]any{
		"approvalId": approval.ID, "decision": req.Decision,
	}))
	e.emitState(job, job.State)
	e.mirrorJob(job)

	if req.Decision == DecisionCancel {
		return e.finishAfterCancelDecision(ctx, job)
	}

	return ApproveResult{Status: "submitted", Decision: req.Decision}, nil
}

func (e *Engine) finishAfterCancelDecision(ctx context.Context, job *Job) (ApproveResult, error) {
	if _, err := e.Cancel(ctx, job.ID); err != nil {
		return ApproveResult{}, err
	}
	return ApproveResult{Status: "submitted", Decision: DecisionCancel}, nil
}

// respondApproval renders the decision-mapping table (spec §4.2) into the
// exact wire shape the agent expects.
func (e *Engine) respondApproval(ctx context.Context, approval *Approval, req ApproveRequest) error {
	var result map[string]any
	switch req.Decision {
	case DecisionAccept:
		result = map[string]any{"decision": "accept"}
	case DecisionAcceptForSession:
		result = map[string]any{"decision": "acceptForSession"}
	case DecisionDecline:
		result = map[string]any{"decision": "decline", "reason": req.DeclineReason}
	case DecisionCancel:
		result = map[string]any{"decision": "cancel"}
	case DecisionAcceptWithExecPolicyAmendment:
		result = map[string]any{
			"acceptWithExecpolicyAmendment": map[string]any{
				"execpolicy_amendment": req.ExecPolicyAmendment,
			},
		}
	}
	return e.upstream.Respond(approval.UpstreamRequestID, result)
}

func validDecision(d string) bool {
	switch d {
	case DecisionAccept, DecisionAcceptForSession, DecisionDecline, DecisionCancel, DecisionAcceptWithExecPolicyAmendment:
		return true
	default:
		return false
	}
}

func validateAmendment(tokens []string) error {
	if len(tokens) == 0 {
		return apierror.New(apierror.CodeInvalidExecPolicyAmendment, "execPolicyAmendment must be a non-empty array")
	}
	for _, tok := range tokens {
		if strings.TrimSpace(tok) == "" {
			return apierror.New(apierror.CodeInvalidExecPolicyAmendment, "execPolicyAmendment tokens must be non-empty")
		}
	}
	return nil
}
