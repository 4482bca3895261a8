package terminal

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		DefaultShell:      "/bin/sh",
		DefaultRows:       24,
		DefaultCols:       80,
		MaxSessions:       maxSessions,
		IdleSweepInterval: time.Hour, // disabled for these tests; sweep invoked directly
		IdleTTL:           time.Hour,
	})
	t.Cleanup(m.Stop)
	return m
}

func TestOpenSessionAndGet(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("got session %s, want %s", got.ID, sess.ID)
	}
}

func TestOpenSessionRejectsPastCapacity(t *testing.T) {
	m := newTestManager(t, 1)

	if _, err := m.OpenSession(t.TempDir(), nil, 24, 80); err != nil {
		t.Fatalf("first OpenSession: %v", err)
	}
	if _, err := m.OpenSession(t.TempDir(), nil, 24, 80); err == nil {
		t.Fatal("expected second OpenSession to fail at capacity")
	}
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	m := newTestManager(t, 0)

	if _, err := m.Get("nonexistent"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestCloseSessionRemovesIt(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := m.CloseSession(sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := m.Get(sess.ID); err == nil {
		t.Fatal("expected session to be gone after close")
	}
}

func TestAttachDetachClient(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if _, err := m.AttachClient(sess.ID, func(Frame) {}); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}
	if !sess.IsAttached() {
		t.Fatal("expected session to be attached")
	}
	if err := m.DetachClient(sess.ID); err != nil {
		t.Fatalf("DetachClient: %v", err)
	}
	if sess.IsAttached() {
		t.Fatal("expected session to be detached")
	}
}

func TestSweepOnceSkipsAttachedSessions(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := m.AttachClient(sess.ID, func(Frame) {}); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}

	m.cfg.IdleTTL = 0 // would otherwise be immediately idle-eligible by time alone
	m.sweepOnce()

	if _, err := m.Get(sess.ID); err != nil {
		t.Fatal("attached session should survive a sweep")
	}
}

func TestSweepOnceSkipsRecentlyActiveSessions(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	m.cfg.IdleTTL = time.Hour
	m.sweepOnce()

	if _, err := m.Get(sess.ID); err != nil {
		t.Fatal("recently active session should survive a sweep")
	}
}

func TestCloseAllEmptiesManager(t *testing.T) {
	m := newTestManager(t, 0)

	if _, err := m.OpenSession(t.TempDir(), nil, 24, 80); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := m.OpenSession(t.TempDir(), nil, 24, 80); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	m.CloseAll()

	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected 0 sessions after CloseAll, got %d", n)
	}
}

func TestHasChildrenFalseForInvalidPID(t *testing.T) {
	if hasChildren(0) {
		t.Fatal("expected hasChildren(0) to be false")
	}
	if hasChildren(-1) {
		t.Fatal("expected hasChildren(-1) to be false")
	}
}
