package jobengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/worker/internal/apierror"
)

// ThreadItem is one entry in a turn's item list, as returned by thread/read.
// Only the fields the thread-event projection needs are modeled; the agent's
// response may carry more.
type ThreadItem struct {
	Type    string `json:"type"` // "userMessage" | "agentMessage" | ...
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Turn is one user->assistant exchange as returned by thread/read.
type Turn struct {
	ID     string       `json:"id"`
	Status string       `json:"status"` // "completed" | "failed" | "interrupted" | "inProgress"
	Error  string       `json:"error,omitempty"`
	Items  []ThreadItem `json:"items"`
}

// ThreadReadResult mirrors the agent's thread/read response.
type ThreadReadResult struct {
	Turns []Turn `json:"turns"`
}

// TurnState maps a thread/read turn status to the worker's job State, per
// the documented completed->DONE, failed->FAILED, interrupted->CANCELLED,
// inProgress->RUNNING table.
func TurnState(status string) State {
	switch status {
	case "completed":
		return StateDone
	case "failed":
		return StateFailed
	case "interrupted":
		return StateCancelled
	default:
		return StateRunning
	}
}

// ReadThread invokes the agent's thread/read and returns its turns in
// declaration order. It is the source of truth the thread-event projection
// linearizes into per-turn envelopes.
func (e *Engine) ReadThread(ctx context.Context, threadID string) (ThreadReadResult, error) {
	raw, err := e.upstream.Request(ctx, "thread/read", map[string]any{"threadId": threadID})
	if err != nil {
		return ThreadReadResult{}, fmt.Errorf("thread/read: %w", err)
	}
	var result ThreadReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ThreadReadResult{}, apierror.New(apierror.CodeUpstreamMalformed, "thread/read returned a malformed response")
	}
	return result, nil
}

// ActiveJobSnapshot returns the currently active job for a thread, if any,
// so the projection can append its live in-memory events on top of the
// turns linearized from thread/read.
func (e *Engine) ActiveJobSnapshot(threadID string) (JobSnapshot, bool) {
	e.mu.Lock()
	job, ok := e.activeJobByThread[threadID]
	e.mu.Unlock()
	if !ok {
		return JobSnapshot{}, false
	}
	return JobSnapshot{JobID: job.ID, TurnID: job.TurnID, CreatedAt: job.CreatedAt, Events: job.Log.Snapshot()}, true
}
