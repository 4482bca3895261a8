// Package threadprojection flattens a thread's hierarchical job/event model
// into a single linear, cursored timeline: the shape mobile clients actually
// render. It caches the flattened result per thread with a short TTL,
// refreshing only when told to invalidate or when the TTL lapses, and falls
// back to a degraded view if the live source is unavailable.
package threadprojection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/cache"
	"github.com/relaykit/worker/internal/jobengine"
)

const (
	// DefaultLimit and MaxLimit bound a single page of Get.
	DefaultLimit = 200
	MaxLimit     = 1000

	defaultRetention = 5000
)

// Envelope is one flattened, cursored record in a thread's timeline.
type Envelope struct {
	ThreadCursor int64
	Type         string
	Ts           time.Time
	JobID        string
	Seq          *int64
	Payload      []byte
}

// Source supplies the agent's authoritative thread history plus the
// currently active job's live in-memory events. Satisfied by
// *jobengine.Engine.
type Source interface {
	ReadThread(ctx context.Context, threadID string) (jobengine.ThreadReadResult, error)
	ActiveJobSnapshot(threadID string) (jobengine.JobSnapshot, bool)
}

// Store is the subset of the cache store the projector persists through to
// and falls back on when the live source can't be consulted.
type Store interface {
	ReplaceProjection(threadID string, entries []cache.ProjectionEntry) error
	GetProjection(threadID string, fromCursor, toCursor int64) ([]cache.ProjectionEntry, error)
	ProjectionCount(threadID string) (int64, error)
}

// Config configures a Projector.
type Config struct {
	Source    Source
	Store     Store
	TTL       time.Duration // in-memory snapshot freshness window, default 5s
	Retention int           // max envelopes kept per thread before eviction, default 5000
}

// Projector builds and caches the flattened thread timeline.
type Projector struct {
	source    Source
	store     Store
	ttl       time.Duration
	retention int

	mu      sync.Mutex
	threads map[string]*threadState
}

type threadState struct {
	mu          sync.Mutex
	envelopes   []Envelope
	firstCursor int64
	builtAt     time.Time
}

// New constructs a Projector.
func New(cfg Config) *Projector {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Projector{
		source:    cfg.Source,
		store:     cfg.Store,
		ttl:       ttl,
		retention: retention,
		threads:   make(map[string]*threadState),
	}
}

func (p *Projector) stateFor(threadID string) *threadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.threads[threadID]
	if !ok {
		st = &threadState{}
		p.threads[threadID] = st
	}
	return st
}

// Invalidate marks a thread's cached snapshot stale so the next Get rebuilds
// it from the live source rather than waiting out the TTL. Wired to the job
// engine's per-thread change notifications.
func (p *Projector) Invalidate(threadID string) {
	st := p.stateFor(threadID)
	st.mu.Lock()
	st.builtAt = time.Time{}
	st.mu.Unlock()
}

// Get returns a page of a thread's flattened timeline starting after cursor
// (nil means from the first retained envelope; -1 does too until envelopes
// have been evicted, after which it is expired), bounded by limit.
func (p *Projector) Get(ctx context.Context, threadID string, cursor *int64, limit int) (envs []Envelope, nextCursor int64, hasMore bool, err error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	st := p.stateFor(threadID)
	st.mu.Lock()
	stale := time.Since(st.builtAt) > p.ttl
	st.mu.Unlock()

	if stale {
		if refreshErr := p.refresh(ctx, threadID, st); refreshErr != nil {
			// Degrade: if the live source can't be consulted but we still
			// have an in-memory snapshot, serve it stale rather than fail.
			st.mu.Lock()
			hasSnapshot := len(st.envelopes) > 0
			st.mu.Unlock()
			if !hasSnapshot {
				return p.getFromCacheFallback(threadID, cursor, limit)
			}
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	baseline := st.firstCursor - 1
	var after int64
	if cursor == nil {
		after = baseline
	} else {
		if *cursor < baseline {
			// The stale in-memory snapshot may simply be behind; force a
			// refresh before declaring the cursor expired.
			st.mu.Unlock()
			_ = p.refresh(ctx, threadID, st)
			st.mu.Lock()
			baseline = st.firstCursor - 1
			if *cursor < baseline {
				return nil, 0, false, apierror.New(apierror.CodeThreadCursorExpired,
					fmt.Sprintf("cursor %d is before the retained window (firstCursor-1=%d)", *cursor, baseline))
			}
		}
		after = *cursor
	}

	var page []Envelope
	for _, e := range st.envelopes {
		if e.ThreadCursor > after {
			page = append(page, e)
			if len(page) == limit+1 {
				break
			}
		}
	}

	hasMore = len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	next := after
	if len(page) > 0 {
		next = page[len(page)-1].ThreadCursor
	}
	return page, next, hasMore, nil
}

// refresh rebuilds a thread's flattened timeline from scratch: it reads the
// agent's authoritative thread/read result, linearizes each turn's items
// into envelopes per the per-turn construction rules, then appends the
// currently active job's live in-memory events on top. thread/read is the
// source of truth, so the whole timeline is rebuilt every refresh rather
// than merged incrementally; cursors are assigned by position, which stays
// stable across refreshes because completed turns never change.
func (p *Projector) refresh(ctx context.Context, threadID string, st *threadState) error {
	if p.source == nil {
		return fmt.Errorf("no live source configured")
	}
	result, err := p.source.ReadThread(ctx, threadID)
	if err != nil {
		return err
	}
	active, hasActive := p.source.ActiveJobSnapshot(threadID)

	now := time.Now().UTC()
	var envs []Envelope

	for _, turn := range result.Turns {
		liveJobID := ""
		if hasActive && active.TurnID != "" && active.TurnID == turn.ID {
			liveJobID = active.JobID
		}
		jobID := turn.ID
		if liveJobID != "" {
			jobID = liveJobID
		}

		for _, item := range turn.Items {
			if item.Type != "userMessage" && item.Type != "agentMessage" {
				continue
			}
			payload := map[string]any{"type": item.Type, "id": item.ID}
			if item.Content != "" {
				payload["content"] = item.Content
			}
			if item.Text != "" {
				payload["text"] = item.Text
			}
			envs = append(envs, Envelope{Type: "item.completed", Ts: now, JobID: jobID, Payload: mustMarshal(payload)})
		}

		state := jobengine.TurnState(turn.Status)
		// A phantom RUNNING state (no real live job backing this turn, e.g.
		// after a restart) would let a client subscribe to a job that will
		// never emit anything further, so it's skipped entirely.
		skipState := state == jobengine.StateRunning && liveJobID == ""
		if !skipState {
			envs = append(envs, Envelope{Type: "job.state", Ts: now, JobID: jobID, Payload: mustMarshal(map[string]any{"state": state})})
			if state.IsTerminal() {
				envs = append(envs, Envelope{Type: "job.finished", Ts: now, JobID: jobID, Payload: mustMarshal(map[string]any{"state": state})})
			}
		}
		if turn.Error != "" {
			envs = append(envs, Envelope{Type: "error", Ts: now, JobID: jobID, Payload: mustMarshal(map[string]any{"message": turn.Error})})
		}
	}

	if hasActive {
		for _, e := range active.Events {
			seq := e.Seq
			envs = append(envs, Envelope{Type: e.Type, Ts: e.Ts, JobID: active.JobID, Seq: &seq, Payload: e.Payload})
		}
	}

	st.mu.Lock()
	st.envelopes = st.envelopes[:0]
	for i, e := range envs {
		e.ThreadCursor = int64(i)
		st.envelopes = append(st.envelopes, e)
	}
	st.firstCursor = 0
	if len(st.envelopes) > p.retention {
		drop := len(st.envelopes) - p.retention
		st.envelopes = st.envelopes[drop:]
		st.firstCursor = st.envelopes[0].ThreadCursor
	}
	st.builtAt = time.Now()
	snapshot := make([]Envelope, len(st.envelopes))
	copy(snapshot, st.envelopes)
	st.mu.Unlock()

	if p.store != nil {
		entries := make([]cache.ProjectionEntry, 0, len(snapshot))
		for _, e := range snapshot {
			entries = append(entries, cache.ProjectionEntry{
				ThreadID: threadID, ThreadCursor: e.ThreadCursor, Type: e.Type, Ts: e.Ts,
				JobID: e.JobID, Seq: e.Seq, Payload: string(e.Payload),
			})
		}
		_ = p.store.ReplaceProjection(threadID, entries)
	}
	return nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// getFromCacheFallback is the last resort in the degradation chain: the live
// source is unavailable and there's no in-memory snapshot at all, so read
// whatever was last persisted to the cache store.
func (p *Projector) getFromCacheFallback(threadID string, cursor *int64, limit int) ([]Envelope, int64, bool, error) {
	if p.store == nil {
		return nil, 0, false, fmt.Errorf("thread projection unavailable: no live source and no cache store")
	}
	from := int64(-1)
	if cursor != nil {
		from = *cursor
	}
	rows, err := p.store.GetProjection(threadID, from+1, from+1+int64(limit)+1)
	if err != nil {
		return nil, 0, false, err
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	out := make([]Envelope, 0, len(rows))
	for _, r := range rows {
		out = append(out, Envelope{ThreadCursor: r.ThreadCursor, Type: r.Type, Ts: r.Ts, JobID: r.JobID, Seq: r.Seq, Payload: []byte(r.Payload)})
	}
	next := from
	if len(out) > 0 {
		next = out[len(out)-1].ThreadCursor
	}
	return out, next, hasMore, nil
}
