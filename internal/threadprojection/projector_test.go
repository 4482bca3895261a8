package threadprojection

import (
	"context"
	"testing"
	"time"

	"github.com/relaykit/worker/internal/eventlog"
	"github.com/relaykit/worker/internal/jobengine"
)

type fakeSource struct {
	result    jobengine.ThreadReadResult
	active    jobengine.JobSnapshot
	hasActive bool
}

func (f *fakeSource) ReadThread(context.Context, string) (jobengine.ThreadReadResult, error) {
	return f.result, nil
}

func (f *fakeSource) ActiveJobSnapshot(string) (jobengine.JobSnapshot, bool) {
	return f.active, f.hasActive
}

func TestGetLinearizesTurnsIntoEnvelopes(t *testing.T) {
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
		{
			ID:     "t1",
			Status: "completed",
			Items: []jobengine.ThreadItem{
				{Type: "userMessage", ID: "m1", Text: "hi"},
				{Type: "agentMessage", ID: "m2", Text: "hello"},
			},
		},
	}}}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, next, hasMore, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantTypes := []string{"item.completed", "item.completed", "job.state", "job.finished"}
	if len(envs) != len(wantTypes) {
		t.Fatalf("len(envs) = %d, want %d: %+v", len(envs), len(wantTypes), envs)
	}
	for i, want := range wantTypes {
		if envs[i].Type != want {
			t.Errorf("envs[%d].Type = %q, want %q", i, envs[i].Type, want)
		}
		if envs[i].ThreadCursor != int64(i) {
			t.Errorf("envs[%d].ThreadCursor = %d, want %d", i, envs[i].ThreadCursor, i)
		}
	}
	if hasMore {
		t.Fatal("hasMore = true, want false")
	}
	if next != int64(len(wantTypes)-1) {
		t.Fatalf("next = %d, want %d", next, len(wantTypes)-1)
	}
}

func TestGetSkipsPhantomRunningStateWithNoLiveJob(t *testing.T) {
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
		{ID: "t1", Status: "inProgress", Items: []jobengine.ThreadItem{{Type: "userMessage", ID: "m1", Text: "hi"}}},
	}}}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, _, _, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, e := range envs {
		if e.Type == "job.state" || e.Type == "job.finished" {
			t.Fatalf("expected no job.state/job.finished envelope for a phantom RUNNING turn, got: %+v", envs)
		}
	}
}

func TestGetEmitsRunningStateWhenLiveJobBacksTheTurn(t *testing.T) {
	src := &fakeSource{
		result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
			{ID: "t1", Status: "inProgress", Items: []jobengine.ThreadItem{{Type: "userMessage", ID: "m1", Text: "hi"}}},
		}},
		active:    jobengine.JobSnapshot{JobID: "job-1", TurnID: "t1"},
		hasActive: true,
	}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, _, _, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var sawState bool
	for _, e := range envs {
		if e.Type == "job.state" {
			sawState = true
		}
		if e.Type == "job.finished" {
			t.Fatal("expected no job.finished for a non-terminal state")
		}
	}
	if !sawState {
		t.Fatalf("expected a job.state envelope when a live job backs the turn, got: %+v", envs)
	}
}

func TestGetEmitsErrorEnvelopeForFailedTurn(t *testing.T) {
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
		{ID: "t1", Status: "failed", Error: "boom"},
	}}}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, _, _, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantTypes := []string{"job.state", "job.finished", "error"}
	if len(envs) != len(wantTypes) {
		t.Fatalf("envs = %+v, want types %v", envs, wantTypes)
	}
	for i, want := range wantTypes {
		if envs[i].Type != want {
			t.Errorf("envs[%d].Type = %q, want %q", i, envs[i].Type, want)
		}
	}
}

func TestGetAppendsActiveJobLiveEventsAfterTurns(t *testing.T) {
	base := time.Now().UTC()
	src := &fakeSource{
		result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
			{ID: "t1", Status: "completed", Items: []jobengine.ThreadItem{{Type: "userMessage", ID: "m1", Text: "hi"}}},
		}},
		active: jobengine.JobSnapshot{
			JobID: "job-2", TurnID: "t2",
			Events: []eventlog.Envelope{{Type: "job.created", Ts: base, JobID: "job-2", Seq: 0}},
		},
		hasActive: true,
	}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, _, _, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	last := envs[len(envs)-1]
	if last.Type != "job.created" || last.JobID != "job-2" {
		t.Fatalf("expected the active job's live event appended last, got: %+v", last)
	}
}

func TestGetPaginatesWithLimit(t *testing.T) {
	var items []jobengine.ThreadItem
	for i := 0; i < 5; i++ {
		items = append(items, jobengine.ThreadItem{Type: "userMessage", ID: "m", Text: "x"})
	}
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{{ID: "t1", Status: "inProgress", Items: items}}}}
	p := New(Config{Source: src, TTL: time.Millisecond})

	envs, next, hasMore, err := p.Get(context.Background(), "th-1", nil, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(envs) != 2 || !hasMore {
		t.Fatalf("envs = %+v, hasMore = %v, want 2 envs and hasMore=true", envs, hasMore)
	}
	if next != 1 {
		t.Fatalf("next = %d, want 1", next)
	}

	cursor := next
	envs, next, hasMore, err = p.Get(context.Background(), "th-1", &cursor, 2)
	if err != nil {
		t.Fatalf("Get (page 2): %v", err)
	}
	if len(envs) != 2 || !hasMore {
		t.Fatalf("page 2 envs = %+v, hasMore = %v", envs, hasMore)
	}
	if next != 3 {
		t.Fatalf("next = %d, want 3", next)
	}
}

func TestInvalidateForcesRebuildBeforeTTLExpires(t *testing.T) {
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{
		{ID: "t1", Status: "inProgress", Items: []jobengine.ThreadItem{{Type: "userMessage", ID: "m1", Text: "hi"}}},
	}}}
	p := New(Config{Source: src, TTL: time.Hour})

	envs, _, _, err := p.Get(context.Background(), "th-1", nil, 10)
	if err != nil || len(envs) != 1 {
		t.Fatalf("initial Get: envs=%+v err=%v", envs, err)
	}

	src.result.Turns[0].Items = append(src.result.Turns[0].Items, jobengine.ThreadItem{Type: "agentMessage", ID: "m2", Text: "hello"})

	// Without invalidation the long TTL would mask the new item.
	p.Invalidate("th-1")
	envs, _, _, err = p.Get(context.Background(), "th-1", nil, 10)
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("len(envs) = %d after invalidate, want 2", len(envs))
	}
}

func TestCursorBeforeRetainedWindowIsExpired(t *testing.T) {
	var items []jobengine.ThreadItem
	for i := 0; i < 10; i++ {
		items = append(items, jobengine.ThreadItem{Type: "userMessage", ID: "m", Text: "x"})
	}
	src := &fakeSource{result: jobengine.ThreadReadResult{Turns: []jobengine.Turn{{ID: "t1", Status: "inProgress", Items: items}}}}
	p := New(Config{Source: src, TTL: time.Millisecond, Retention: 3})

	if _, _, _, err := p.Get(context.Background(), "th-1", nil, 10); err != nil {
		t.Fatalf("Get: %v", err)
	}

	cursor := int64(0)
	_, _, _, err := p.Get(context.Background(), "th-1", &cursor, 10)
	if err == nil {
		t.Fatal("expected THREAD_CURSOR_EXPIRED for a cursor before the retained window")
	}
}

func TestGetFailsWhenSourceAndCacheBothUnavailable(t *testing.T) {
	p := New(Config{TTL: time.Millisecond})
	if _, _, _, err := p.Get(context.Background(), "th-1", nil, 10); err == nil {
		t.Fatal("expected an error when neither the source nor the cache store can serve the request")
	}
}
