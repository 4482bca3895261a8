package eventlog

import (
	"testing"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := New("job-1", 2000, nil)

	e0 := l.Append("job.created", nil)
	e1 := l.Append("job.state", nil)
	e2 := l.Append("turn.started", nil)

	if e0.Seq != 0 || e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("seqs = %d,%d,%d, want 0,1,2", e0.Seq, e1.Seq, e2.Seq)
	}
}

func TestListWithNilCursorReturnsEverythingRetained(t *testing.T) {
	l := New("job-1", 2000, nil)
	l.Append("a", nil)
	l.Append("b", nil)

	events, next, err := l.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if next != 1 {
		t.Fatalf("next = %d, want 1", next)
	}
}

func TestListTailFromCursor(t *testing.T) {
	l := New("job-1", 2000, nil)
	l.Append("a", nil)
	l.Append("b", nil)
	l.Append("c", nil)

	cursor := int64(0)
	events, next, err := l.List(&cursor)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("events = %+v", events)
	}
	if next != 2 {
		t.Fatalf("next = %d, want 2", next)
	}
}

func TestRetentionEvictsFromFront(t *testing.T) {
	l := New("job-1", 3, nil)
	for i := 0; i < 10; i++ {
		l.Append("x", nil)
	}

	events, _, err := l.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3 after retention eviction", len(events))
	}
	if events[0].Seq != 7 {
		t.Fatalf("events[0].Seq = %d, want 7", events[0].Seq)
	}
	if l.FirstSeq() != 7 {
		t.Fatalf("FirstSeq() = %d, want 7", l.FirstSeq())
	}
}

func TestCursorBeforeRetentionWindowIsExpired(t *testing.T) {
	l := New("job-1", 3, nil)
	for i := 0; i < 10; i++ {
		l.Append("x", nil)
	}

	cursor := int64(2)
	_, _, err := l.List(&cursor)
	if err == nil {
		t.Fatal("expected CURSOR_EXPIRED error")
	}
}

func TestSubscribeReceivesSubsequentEventsOnly(t *testing.T) {
	l := New("job-1", 2000, nil)
	l.Append("before", nil)

	received := make([]Envelope, 0)
	detach := l.Subscribe(func(e Envelope) { received = append(received, e) })

	l.Append("after-1", nil)
	l.Append("after-2", nil)
	detach()
	l.Append("after-detach", nil)

	if len(received) != 2 {
		t.Fatalf("len(received) = %d, want 2", len(received))
	}
	if received[0].Type != "after-1" || received[1].Type != "after-2" {
		t.Fatalf("received = %+v", received)
	}
}

func TestSubscriberPanicDoesNotDisruptOthers(t *testing.T) {
	l := New("job-1", 2000, nil)

	var gotInSecond bool
	l.Subscribe(func(e Envelope) { panic("boom") })
	l.Subscribe(func(e Envelope) { gotInSecond = true })

	l.Append("x", nil)

	if !gotInSecond {
		t.Fatal("second subscriber should still receive the event despite the first panicking")
	}
}
