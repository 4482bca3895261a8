package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/cache"
	"github.com/relaykit/worker/internal/eventlog"
)

// Upstream is the subset of the RPC bridge the engine drives requests
// through. Defined as an interface so the engine can be tested against a
// fake without spawning a subprocess.
type Upstream interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	Respond(id json.RawMessage, result any) error
	RespondError(id json.RawMessage, code int, message string, data any) error
}

// Store is the subset of the cache store the engine mirrors state into.
type Store interface {
	UpsertThread(cache.Thread) error
	GetThread(id string) (*cache.Thread, error)
	ListThreads(archived *bool) ([]cache.Thread, error)
	UpsertJob(cache.Job) error
	UpsertApproval(cache.Approval) error
	InsertDecision(cache.Decision) (bool, error)
	GetDecision(approvalID string) (*cache.Decision, error)
	AppendEvent(cache.EventRow) error
	EvictEventsBefore(jobID string, firstSeq int64) error
}

// Engine owns Jobs, Events, and Approvals exclusively.
type Engine struct {
	upstream  Upstream
	store     Store
	retention int
	log       *slog.Logger

	// onInvalidate is called whenever a thread's job/event state changes in a
	// way the thread-event projection cache needs to know about.
	onInvalidate func(threadID string)

	// onNotify is called for job/approval transitions worth delivering as an
	// out-of-band push notification.
	onNotify func(NotificationEvent)

	mu                sync.Mutex
	loadedThreads     map[string]bool
	jobsByID          map[string]*Job
	jobsByThreadTurn  map[string]*Job // key: threadID + "\x00" + turnID
	activeJobByThread map[string]*Job
	approvalsByID     map[string]*Approval
}

// Config configures a new Engine.
type Config struct {
	Upstream       Upstream
	Store          Store
	EventRetention int
	Logger         *slog.Logger
	OnInvalidate   func(threadID string)
	OnNotify       func(NotificationEvent)
}

// NotificationEvent describes a job or approval lifecycle transition worth
// delivering to registered devices via the push dispatcher. The engine stays
// agnostic of the push package's wire shape; the composition root maps this
// into a push.Notification per registered device.
type NotificationEvent struct {
	ThreadID string
	JobID    string
	Type     string // "job.finished" | "approval.requested"
	Title    string
	Body     string
}

// New constructs an Engine. Callers must wire its HandleNotification and
// HandleRequest methods to the upstream bridge's subscription surface.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onInvalidate := cfg.OnInvalidate
	if onInvalidate == nil {
		onInvalidate = func(string) {}
	}
	onNotify := cfg.OnNotify
	if onNotify == nil {
		onNotify = func(NotificationEvent) {}
	}
	return &Engine{
		upstream:          cfg.Upstream,
		store:             cfg.Store,
		retention:         cfg.EventRetention,
		log:               logger.With("component", "jobengine"),
		onInvalidate:      onInvalidate,
		onNotify:          onNotify,
		loadedThreads:     make(map[string]bool),
		jobsByID:          make(map[string]*Job),
		jobsByThreadTurn:  make(map[string]*Job),
		activeJobByThread: make(map[string]*Job),
		approvalsByID:     make(map[string]*Approval),
	}
}

func threadTurnKey(threadID, turnID string) string {
	return threadID + "\x00" + turnID
}

// CreateThread invokes thread/start with params.ProjectSelector as the
// project path (the frontdoor resolves the selector against the allow-list
// before calling), optionally thread/name/set, marks the thread loaded, and
// mirrors it to cache.
func (e *Engine) CreateThread(ctx context.Context, params CreateThreadParams) (ThreadDTO, error) {
	raw, err := e.upstream.Request(ctx, "thread/start", map[string]any{
		"projectPath":    params.ProjectSelector,
		"approvalPolicy": params.ApprovalPolicy,
		"sandbox":        params.Sandbox,
	})
	if err != nil {
		return ThreadDTO{}, fmt.Errorf("thread/start: %w", err)
	}

	var result struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ThreadDTO{}, apierror.New(apierror.CodeUpstreamMalformed, "thread/start returned a malformed response")
	}

	if params.Name != "" {
		if _, err := e.upstream.Request(ctx, "thread/name/set", map[string]any{
			"threadId": result.ThreadID,
			"name":     params.Name,
		}); err != nil {
			e.log.Warn("thread/name/set failed", "threadId", result.ThreadID, "error", err)
		}
	}

	e.mu.Lock()
	e.loadedThreads[result.ThreadID] = true
	e.mu.Unlock()

	now := time.Now().UTC()
	dto := ThreadDTO{
		ID:         result.ThreadID,
		WorkingDir: params.ProjectSelector,
		Preview:    params.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.mirrorThread(dto)
	e.onInvalidate(result.ThreadID)
	return dto, nil
}

// ListThreads invokes thread/list and mirrors the result to cache.
func (e *Engine) ListThreads(ctx context.Context, archived *bool) ([]ThreadDTO, error) {
	params := map[string]any{}
	if archived != nil {
		params["archived"] = *archived
	}
	raw, err := e.upstream.Request(ctx, "thread/list", params)
	if err != nil {
		return nil, fmt.Errorf("thread/list: %w", err)
	}

	var result struct {
		Threads []struct {
			ID            string `json:"id"`
			WorkingDir    string `json:"workingDir"`
			Preview       string `json:"preview"`
			ModelProvider string `json:"modelProvider"`
			Archived      bool   `json:"archived"`
			CreatedAt     string `json:"createdAt"`
			UpdatedAt     string `json:"updatedAt"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apierror.New(apierror.CodeUpstreamMalformed, "thread/list returned a malformed response")
	}

	dtos := make([]ThreadDTO, 0, len(result.Threads))
	for _, t := range result.Threads {
		dto := ThreadDTO{
			ID:            t.ID,
			WorkingDir:    t.WorkingDir,
			Preview:       t.Preview,
			ModelProvider: t.ModelProvider,
			Archived:      t.Archived,
		}
		dto.CreatedAt, _ = time.Parse(time.RFC3339, t.CreatedAt)
		dto.UpdatedAt, _ = time.Parse(time.RFC3339, t.UpdatedAt)
		dtos = append(dtos, dto)
		e.mirrorThread(dto)
	}
	return dtos, nil
}

// ActivateThread returns the cached DTO if already loaded, else resumes it
// upstream via thread/resume.
func (e *Engine) ActivateThread(ctx context.Context, threadID string) (ThreadDTO, error) {
	e.mu.Lock()
	loaded := e.loadedThreads[threadID]
	e.mu.Unlock()

	if loaded {
		cached, err := e.store.GetThread(threadID)
		if err == nil && cached != nil {
			return fromCacheThread(*cached), nil
		}
	}

	raw, err := e.upstream.Request(ctx, "thread/resume", map[string]any{"threadId": threadID})
	if err != nil {
		return ThreadDTO{}, fmt.Errorf("thread/resume: %w", err)
	}

	var result struct {
		WorkingDir    string `json:"workingDir"`
		Preview       string `json:"preview"`
		ModelProvider string `json:"modelProvider"`
	}
	_ = json.Unmarshal(raw, &result)

	e.mu.Lock()
	e.loadedThreads[threadID] = true
	e.mu.Unlock()

	now := time.Now().UTC()
	dto := ThreadDTO{ID: threadID, WorkingDir: result.WorkingDir, Preview: result.Preview,
		ModelProvider: result.ModelProvider, CreatedAt: now, UpdatedAt: now}
	e.mirrorThread(dto)
	return dto, nil
}

// GetThread returns a thread's current cache snapshot.
func (e *Engine) GetThread(threadID string) (ThreadDTO, error) {
	cached, err := e.store.GetThread(threadID)
	if err != nil || cached == nil {
		return ThreadDTO{}, apierror.New(apierror.CodeThreadNotFound, fmt.Sprintf("thread %s not found", threadID))
	}
	return fromCacheThread(*cached), nil
}

// SetArchived flips a thread's archived flag in the cache without calling
// the agent. ListThreads mirrors the agent's own archived value for every
// thread it returns, which replaces the flag set here.
func (e *Engine) SetArchived(threadID string, archived bool) (ThreadDTO, error) {
	cached, err := e.store.GetThread(threadID)
	if err != nil || cached == nil {
		return ThreadDTO{}, apierror.New(apierror.CodeThreadNotFound, fmt.Sprintf("thread %s not found", threadID))
	}
	cached.Archived = archived
	cached.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertThread(*cached); err != nil {
		return ThreadDTO{}, fmt.Errorf("upsert thread: %w", err)
	}
	return fromCacheThread(*cached), nil
}

// ExportedThread is the portable representation returned by ExportThread and
// accepted by ImportThread.
type ExportedThread struct {
	WorkingDir    string `json:"workingDir"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	Archived      bool   `json:"archived"`
}

// ExportThread returns a portable snapshot of a thread's cache record.
func (e *Engine) ExportThread(threadID string) (ExportedThread, error) {
	cached, err := e.store.GetThread(threadID)
	if err != nil || cached == nil {
		return ExportedThread{}, apierror.New(apierror.CodeThreadNotFound, fmt.Sprintf("thread %s not found", threadID))
	}
	return ExportedThread{
		WorkingDir: cached.WorkingDir, Preview: cached.Preview,
		ModelProvider: cached.ModelProvider, Archived: cached.Archived,
	}, nil
}

// ImportThread creates a new upstream thread seeded from a previously
// exported snapshot's working directory and name.
func (e *Engine) ImportThread(ctx context.Context, snapshot ExportedThread) (ThreadDTO, error) {
	return e.CreateThread(ctx, CreateThreadParams{
		ProjectSelector: snapshot.WorkingDir,
		Name:            snapshot.Preview,
	})
}

func (e *Engine) mirrorThread(dto ThreadDTO) {
	if e.store == nil {
		return
	}
	_ = e.store.UpsertThread(cache.Thread{
		ID: dto.ID, WorkingDir: dto.WorkingDir, Preview: dto.Preview, ModelProvider: dto.ModelProvider,
		Archived: dto.Archived, CreatedAt: dto.CreatedAt, UpdatedAt: dto.UpdatedAt,
	})
}

func fromCacheThread(t cache.Thread) ThreadDTO {
	return ThreadDTO{ID: t.ID, WorkingDir: t.WorkingDir, Preview: t.Preview, ModelProvider: t.ModelProvider,
		Archived: t.Archived, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

// StartTurn creates a Job in QUEUED state and invokes turn/start upstream.
// Rejects with THREAD_HAS_ACTIVE_JOB if an active job already exists.
func (e *Engine) StartTurn(ctx context.Context, threadID string, input any) (JobDTO, error) {
	e.mu.Lock()
	if existing, ok := e.activeJobByThread[threadID]; ok {
		e.mu.Unlock()
		return existing.toDTO(), apierror.New(apierror.CodeThreadHasActiveJob,
			fmt.Sprintf("thread %s already has an active job (%s)", threadID, existing.ID))
	}

	job := &Job{
		ID:                 uuid.NewString(),
		ThreadID:           threadID,
		State:              StateQueued,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
		PendingApprovalIDs: make(map[string]struct{}),
	}
	job.Log = eventlog.New(job.ID, e.retention, e.persister())
	e.jobsByID[job.ID] = job
	e.activeJobByThread[threadID] = job
	e.mu.Unlock()

	job.Log.Append("job.created", mustJSON(map[string]any{"threadId": threadID}))
	e.emitState(job, StateQueued)

	if !e.threadLoaded(threadID) {
		if _, err := e.ActivateThread(ctx, threadID); err != nil {
			e.failJob(job, fmt.Sprintf("failed to load thread: %v", err))
			return job.toDTO(), nil
		}
	}

	raw, err := e.upstream.Request(ctx, "turn/start", map[string]any{"threadId": threadID, "input": input})
	if err != nil {
		e.failJob(job, err.Error())
		return job.toDTO(), nil
	}

	var result struct {
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(raw, &result)

	e.mu.Lock()
	job.TurnID = result.TurnID
	job.State = StateRunning
	job.UpdatedAt = time.Now().UTC()
	if result.TurnID != "" {
		e.jobsByThreadTurn[threadTurnKey(threadID, result.TurnID)] = job
	}
	e.mu.Unlock()

	job.Log.Append("turn.started", mustJSON(map[string]any{"turnId": result.TurnID}))
	e.emitState(job, StateRunning)
	e.mirrorJob(job)

	return job.toDTO(), nil
}

func (e *Engine) threadLoaded(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedThreads[threadID]
}

func (e *Engine) failJob(job *Job, message string) {
	e.mu.Lock()
	job.State = StateFailed
	job.ErrorMessage = message
	job.UpdatedAt = time.Now().UTC()
	now := time.Now().UTC()
	job.TerminalAt = &now
	delete(e.activeJobByThread, job.ThreadID)
	e.mu.Unlock()

	e.emitState(job, StateFailed)
	e.emitFinished(job)
	e.mirrorJob(job)
}

func (e *Engine) emitState(job *Job, state State) {
	job.Log.Append("job.state", mustJSON(map[string]any{"state": state}))
	e.onInvalidate(job.ThreadID)
}

func (e *Engine) emitFinished(job *Job) {
	e.mu.Lock()
	already := job.FinishedEmitted
	if !already {
		job.FinishedEmitted = true
	}
	e.mu.Unlock()
	if already {
		return
	}
	job.Log.Append("job.finished", mustJSON(map[string]any{"state": job.State}))
	e.onInvalidate(job.ThreadID)
	e.onNotify(NotificationEvent{
		ThreadID: job.ThreadID,
		JobID:    job.ID,
		Type:     "job.finished",
		Title:    "Job finished",
		Body:     fmt.Sprintf("Job finished with state %s", job.State),
	})
}

func (e *Engine) mirrorJob(job *Job) {
	if e.store == nil {
		return
	}
	_ = e.store.UpsertJob(cache.Job{
		ID: job.ID, ThreadID: job.ThreadID, TurnID: job.TurnID, State: string(job.State),
		ErrorMessage: job.ErrorMessage, NextSeq: job.Log.NextSeq(), FirstSeq: job.Log.FirstSeq(),
		FinishedEmitted: job.FinishedEmitted, CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt, TerminalAt: job.TerminalAt,
	})
}

// GetJob returns the current snapshot of a job.
func (e *Engine) GetJob(jobID string) (JobDTO, error) {
	e.mu.Lock()
	job, ok := e.jobsByID[jobID]
	e.mu.Unlock()
	if !ok {
		return JobDTO{}, apierror.New(apierror.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return job.toDTO(), nil
}

// ListEvents replays a job's event log per the cursor rules.
func (e *Engine) ListEvents(jobID string, cursor *int64) ([]eventlog.Envelope, int64, error) {
	e.mu.Lock()
	job, ok := e.jobsByID[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, 0, apierror.New(apierror.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return job.Log.List(cursor)
}

// Subscribe attaches a live listener to a job's event log.
func (e *Engine) Subscribe(jobID string, fn func(eventlog.Envelope)) (func(), error) {
	e.mu.Lock()
	job, ok := e.jobsByID[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, apierror.New(apierror.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return job.Log.Subscribe(fn), nil
}

// Cancel cancels a job: locally if no turnId has arrived yet, else via
// turn/interrupt upstream (the terminal transition itself arrives later via
// notification).
func (e *Engine) Cancel(ctx context.Context, jobID string) (JobDTO, error) {
	e.mu.Lock()
	job, ok := e.jobsByID[jobID]
	e.mu.Unlock()
	if !ok {
		return JobDTO{}, apierror.New(apierror.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}

	e.mu.Lock()
	if job.State.IsTerminal() {
		e.mu.Unlock()
		return job.toDTO(), nil
	}
	turnID := job.TurnID
	e.mu.Unlock()

	if turnID == "" {
		e.mu.Lock()
		job.State = StateCancelled
		job.UpdatedAt = time.Now().UTC()
		now := time.Now().UTC()
		job.TerminalAt = &now
		delete(e.activeJobByThread, job.ThreadID)
		e.mu.Unlock()
		e.emitState(job, StateCancelled)
		e.emitFinished(job)
		e.mirrorJob(job)
		return job.toDTO(), nil
	}

	if _, err := e.upstream.Request(ctx, "turn/interrupt", map[string]any{"threadId": job.ThreadID, "turnId": turnID}); err != nil {
		return job.toDTO(), fmt.Errorf("turn/interrupt: %w", err)
	}
	return job.toDTO(), nil
}

// JobSnapshot is a read-only view of one job's identity and retained events,
// exposed so internal/threadprojection can merge per-job logs into a single
// linear thread timeline without reaching into engine-owned state.
type JobSnapshot struct {
	JobID     string
	TurnID    string
	CreatedAt time.Time
	Events    []eventlog.Envelope
}


func (e *Engine) persister() eventlog.Persister {
	if e.store == nil {
		return nil
	}
	return storePersister{store: e.store}
}

type storePersister struct {
	store Store
}

func (p storePersister) AppendEvent(jobID string, seq int64, typ string, ts time.Time, payload json.RawMessage) error {
	return p.store.AppendEvent(cache.EventRow{JobID: jobID, Seq: seq, Type: typ, Ts: ts, Payload: string(payload)})
}

func (p storePersister) EvictEventsBefore(jobID string, firstSeq int64) error {
	return p.store.EvictEventsBefore(jobID, firstSeq)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
