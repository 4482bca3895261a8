package rpcbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// Spawning a real agent subprocess is impractical in a sandboxed test;
// instead these tests run the bridge's read loop and writes against an
// in-memory pipe standing in for the subprocess, the same technique the
// teacher's gateway tests use for a fake ACP peer.
func newTestBridge(t *testing.T) (*Bridge, *pipeStdio) {
	t.Helper()
	b := New(Config{Command: "unused", RequestTimeout: 200 * time.Millisecond})
	pipe := newPipeStdio()
	b.stdin = pipe.stdinWriter
	b.stdout = pipe.stdoutReader
	go b.readLoop(pipe.stdoutReader)
	return b, pipe
}

func TestRequestResolvesOnMatchingResponse(t *testing.T) {
	b, pipe := newTestBridge(t)

	go func() {
		line := pipe.readWrittenLine(t)
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			t.Errorf("bad request line: %v", err)
			return
		}
		if req.Method != "thread/start" {
			t.Errorf("method = %q, want thread/start", req.Method)
		}
		pipe.writeToStdout(t, []byte(`{"id":`+itoa(req.ID)+`,"result":{"threadId":"t1"}}`))
	}()

	result, err := b.Request(context.Background(), "thread/start", map[string]string{"projectPath": "/p"})
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	var parsed struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if parsed.ThreadID != "t1" {
		t.Errorf("threadId = %q, want t1", parsed.ThreadID)
	}
}

func TestRequestTimesOutWithNoResponse(t *testing.T) {
	b, pipe := newTestBridge(t)
	_ = pipe.readWrittenLineAsync()

	_, err := b.Request(context.Background(), "turn/start", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != -32001 {
		t.Errorf("code = %d, want -32001", rpcErr.Code)
	}
}

func TestNotificationDispatchedToSubscribers(t *testing.T) {
	b, pipe := newTestBridge(t)

	received := make(chan Notification, 1)
	b.OnNotification(func(n Notification) { received <- n })

	pipe.writeToStdout(t, []byte(`{"method":"turn/started","params":{"turnId":"t1"}}`))

	select {
	case n := <-received:
		if n.Method != "turn/started" {
			t.Errorf("method = %q, want turn/started", n.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestServerRequestDispatchedToSubscribers(t *testing.T) {
	b, pipe := newTestBridge(t)

	received := make(chan Request, 1)
	b.OnRequest(func(r Request) { received <- r })

	pipe.writeToStdout(t, []byte(`{"id":77,"method":"item/commandExecution/requestApproval","params":{}}`))

	select {
	case r := <-received:
		if r.Method != "item/commandExecution/requestApproval" {
			t.Errorf("method = %q", r.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestUnclassifiableMessageEmitsProtocolError(t *testing.T) {
	b, pipe := newTestBridge(t)

	received := make(chan error, 1)
	b.OnProtocolError(func(err error) { received <- err })

	pipe.writeToStdout(t, []byte(`{"foo":"bar"}`))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for protocol error")
	}
}

func TestRolloutStderrFilteredByDefault(t *testing.T) {
	if !containsRolloutNoise("warning: rollout file missing") {
		t.Fatal("expected rollout substring to be detected")
	}
	if containsRolloutNoise("normal log line") {
		t.Fatal("unexpected match on benign line")
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
