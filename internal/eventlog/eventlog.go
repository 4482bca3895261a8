// Package eventlog implements the per-job append-only event sequence:
// monotonic seq allocation, bounded retention, cursor-based replay, and
// synchronous fan-out to live subscribers.
package eventlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaykit/worker/internal/apierror"
)

// Envelope is the wire record exposed to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Ts      time.Time       `json:"ts"`
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Persister is the subset of the cache store the event log writes through
// to. It is an interface so tests can exercise the log without a real DB.
type Persister interface {
	AppendEvent(jobID string, seq int64, typ string, ts time.Time, payload json.RawMessage) error
	EvictEventsBefore(jobID string, firstSeq int64) error
}

// Log is the append-only, bounded event sequence for a single job.
type Log struct {
	jobID     string
	retention int
	persist   Persister

	mu          sync.Mutex
	events      []Envelope
	nextSeq     int64
	firstSeq    int64
	subscribers []subscriber
	nextSubID   int
}

// subscriber pairs a registration id with its listener so fan-out can walk
// subscribers in registration order instead of Go's randomized map order.
type subscriber struct {
	id int
	fn func(Envelope)
}

// New creates an empty Log for one job with the given retention cap.
func New(jobID string, retention int, persist Persister) *Log {
	if retention <= 0 {
		retention = 2000
	}
	return &Log{
		jobID:     jobID,
		retention: retention,
		persist:   persist,
	}
}

// Append assigns the next seq, stores the envelope, evicts if over budget,
// persists asynchronously, and notifies subscribers synchronously in
// registration order.
func (l *Log) Append(typ string, payload json.RawMessage) Envelope {
	l.mu.Lock()
	env := Envelope{
		Type:    typ,
		Ts:      time.Now().UTC(),
		JobID:   l.jobID,
		Seq:     l.nextSeq,
		Payload: payload,
	}
	l.nextSeq++
	l.events = append(l.events, env)

	if len(l.events) > l.retention {
		drop := len(l.events) - l.retention
		l.events = l.events[drop:]
		l.firstSeq = l.events[0].Seq
	}

	subs := make([]func(Envelope), len(l.subscribers))
	for i, sub := range l.subscribers {
		subs[i] = sub.fn
	}
	l.mu.Unlock()

	if l.persist != nil {
		go func() {
			_ = l.persist.AppendEvent(l.jobID, env.Seq, env.Type, env.Ts, env.Payload)
			l.mu.Lock()
			firstSeq := l.firstSeq
			l.mu.Unlock()
			if firstSeq > 0 {
				_ = l.persist.EvictEventsBefore(l.jobID, firstSeq)
			}
		}()
	}

	for _, fn := range subs {
		safeDeliver(fn, env)
	}

	return env
}

// safeDeliver isolates one subscriber's panic/misbehavior from the others.
func safeDeliver(fn func(Envelope), env Envelope) {
	defer func() { _ = recover() }()
	fn(env)
}

// Subscribe registers a listener for every subsequent envelope and returns a
// detach function.
func (l *Log) Subscribe(fn func(Envelope)) (detach func()) {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers = append(l.subscribers, subscriber{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		for i, sub := range l.subscribers {
			if sub.id == id {
				l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

// List replays events per the cursor rules in the specification:
//   - cursor == nil: everything still retained, from firstSeq-1.
//   - cursor >= firstSeq-1: events with seq > cursor.
//   - cursor < firstSeq-1: CURSOR_EXPIRED.
func (l *Log) List(cursor *int64) ([]Envelope, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	baseline := l.firstSeq - 1
	var after int64
	if cursor == nil {
		after = baseline
	} else {
		if *cursor < baseline {
			return nil, 0, apierror.New(apierror.CodeCursorExpired,
				fmt.Sprintf("cursor %d is before the retained window (firstSeq-1=%d)", *cursor, baseline))
		}
		after = *cursor
	}

	var result []Envelope
	for _, e := range l.events {
		if e.Seq > after {
			result = append(result, e)
		}
	}

	next := after
	if len(result) > 0 {
		next = result[len(result)-1].Seq
	}
	return result, next, nil
}

// FirstSeq returns the lowest retained seq (0 if no events have been evicted).
func (l *Log) FirstSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstSeq
}

// NextSeq returns the seq that will be assigned to the next appended event.
func (l *Log) NextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Snapshot returns a copy of all retained events, for merging into a
// thread-event projection.
func (l *Log) Snapshot() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Envelope, len(l.events))
	copy(out, l.events)
	return out
}
