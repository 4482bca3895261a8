package push

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Notification
}

func (f *fakeSink) Send(_ context.Context, batch []Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestEnqueueFlushesAtBatchSize(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, Config{MaxBatchSize: 2, FlushInterval: time.Hour}, nil)
	d.Start()
	defer d.Shutdown()

	d.Enqueue(Notification{Type: "job.finished"})
	d.Enqueue(Notification{Type: "job.finished"})

	deadline := time.Now().Add(time.Second)
	for sink.total() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.total() != 2 {
		t.Fatalf("total = %d, want 2", sink.total())
	}
}

func TestShutdownFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, Config{MaxBatchSize: 100, FlushInterval: time.Hour}, nil)
	d.Start()

	d.Enqueue(Notification{Type: "approval.requested"})
	d.Shutdown()

	if sink.total() != 1 {
		t.Fatalf("total = %d, want 1 after Shutdown flush", sink.total())
	}
}

func TestNilDispatcherIsNoOp(t *testing.T) {
	var d *Dispatcher
	d.Start()
	d.Enqueue(Notification{Type: "job.finished"})
	d.Shutdown()
}

func TestQueueFullDropsNotifications(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, Config{MaxBatchSize: 1000, MaxQueueSize: 1, FlushInterval: time.Hour}, nil)

	d.Enqueue(Notification{Type: "a"})
	d.Enqueue(Notification{Type: "b"}) // dropped: queue already at MaxQueueSize

	d.mu.Lock()
	qlen := len(d.queue)
	d.mu.Unlock()
	if qlen != 1 {
		t.Fatalf("queue len = %d, want 1 (second enqueue should be dropped)", qlen)
	}
}
