package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestThreadUpsertAndList(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	thread := Thread{ID: "th-1", WorkingDir: "/p", Preview: "hi", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertThread(thread); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}

	got, err := s.GetThread("th-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.WorkingDir != "/p" {
		t.Errorf("WorkingDir = %q, want /p", got.WorkingDir)
	}

	thread.Archived = true
	thread.UpdatedAt = now.Add(time.Minute)
	if err := s.UpsertThread(thread); err != nil {
		t.Fatalf("UpsertThread (update): %v", err)
	}

	archived := true
	list, err := s.ListThreads(&archived)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(list) != 1 || list[0].ID != "th-1" {
		t.Fatalf("ListThreads = %+v, want one archived thread", list)
	}
}

func TestJobAndEventRoundTrip(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.UpsertThread(Thread{ID: "th-1", WorkingDir: "/p", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}
	job := Job{ID: "job-1", ThreadID: "th-1", State: "RUNNING", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	if err := s.AppendEvent(EventRow{JobID: "job-1", Seq: 0, Type: "job.created", Ts: now, Payload: "{}"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(EventRow{JobID: "job-1", Seq: 1, Type: "job.state", Ts: now, Payload: "{}"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := s.ListEvents("job-1", -1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Seq != 0 || events[1].Seq != 1 {
		t.Fatalf("events out of order: %+v", events)
	}

	if err := s.EvictEventsBefore("job-1", 1); err != nil {
		t.Fatalf("EvictEventsBefore: %v", err)
	}
	events, err = s.ListEvents("job-1", -1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("events after eviction = %+v", events)
	}
}

func TestApprovalDecisionIsIdempotent(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	s.UpsertThread(Thread{ID: "th-1", WorkingDir: "/p", CreatedAt: now, UpdatedAt: now})
	s.UpsertJob(Job{ID: "job-1", ThreadID: "th-1", State: "WAITING_APPROVAL", CreatedAt: now, UpdatedAt: now})
	err = s.UpsertApproval(Approval{ID: "appr-1", JobID: "job-1", ThreadID: "th-1", Kind: "command_execution",
		UpstreamRequestID: "77", UpstreamMethod: "item/commandExecution/requestApproval", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("UpsertApproval: %v", err)
	}

	first, err := s.InsertDecision(Decision{ApprovalID: "appr-1", DecisionText: "accept", DecidedAt: now})
	if err != nil {
		t.Fatalf("InsertDecision: %v", err)
	}
	if !first {
		t.Fatal("expected first InsertDecision to succeed")
	}

	second, err := s.InsertDecision(Decision{ApprovalID: "appr-1", DecisionText: "decline", DecidedAt: now})
	if err != nil {
		t.Fatalf("InsertDecision (repeat): %v", err)
	}
	if second {
		t.Fatal("expected repeat InsertDecision to be ignored")
	}

	got, err := s.GetDecision("appr-1")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.DecisionText != "accept" {
		t.Fatalf("DecisionText = %q, want accept (first write wins)", got.DecisionText)
	}
}

func TestPushDeviceUpsertAndDelete(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	err = s.UpsertPushDevice(PushDevice{Token: "tok-1", Platform: "ios", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("UpsertPushDevice: %v", err)
	}

	devices, err := s.ListPushDevices()
	if err != nil {
		t.Fatalf("ListPushDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}

	if err := s.DeletePushDevice("tok-1"); err != nil {
		t.Fatalf("DeletePushDevice: %v", err)
	}
	devices, err = s.ListPushDevices()
	if err != nil {
		t.Fatalf("ListPushDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("len(devices) = %d, want 0 after delete", len(devices))
	}
}
