package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/worker/internal/config"
	"github.com/relaykit/worker/internal/terminal"
)

func TestParseFromSeqDefaultsToFullReplay(t *testing.T) {
	got, err := parseFromSeq("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -1 {
		t.Fatalf("expected -1 for empty fromSeq, got %d", got)
	}
}

func TestParseFromSeqParsesInteger(t *testing.T) {
	got, err := parseFromSeq("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestParseFromSeqRejectsGarbage(t *testing.T) {
	if _, err := parseFromSeq("not-a-number"); err == nil {
		t.Fatal("expected an error for a non-integer fromSeq")
	}
}

func TestTerminalStateBodyShape(t *testing.T) {
	sess := &terminal.Session{
		ID:        "sess-1",
		ThreadID:  "thread-1",
		WorkDir:   "/work",
		CreatedAt: time.Now().UTC(),
	}

	body := terminalStateBody(sess)

	if body["sessionId"] != "sess-1" {
		t.Fatalf("expected sessionId sess-1, got %v", body["sessionId"])
	}
	if body["threadId"] != "thread-1" {
		t.Fatalf("expected threadId thread-1, got %v", body["threadId"])
	}
	if body["wsPath"] != "/v1/terminals/sess-1/stream" {
		t.Fatalf("unexpected wsPath: %v", body["wsPath"])
	}
	if body["exited"] != false {
		t.Fatalf("expected exited=false for a fresh session, got %v", body["exited"])
	}
	if _, present := body["exitCode"]; present {
		t.Fatal("exitCode should be omitted for a non-exited session")
	}
}

// TestTerminalStreamReplaysScrollback drives scenario (e) of spec.md §8:
// open a session, let it emit output, attach a WebSocket client with
// fromSeq=-1, and expect a ready frame followed by replayed output frames.
func TestTerminalStreamReplaysScrollback(t *testing.T) {
	mgr := terminal.NewManager(terminal.ManagerConfig{
		DefaultShell:       "/bin/sh",
		MaxScrollbackBytes: 4096,
		IdleSweepInterval:  time.Hour,
		IdleTTL:            time.Hour,
	})
	defer mgr.Stop()

	sess, err := mgr.OpenSession(t.TempDir(), nil, 24, 80)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := mgr.WriteInput(sess.ID, []byte("echo hello\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the shell's echo land in scrollback

	s := &Server{
		cfg:       &config.Config{AllowedOrigins: nil, TerminalHeartbeat: time.Hour},
		terminals: mgr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/terminals/{id}/stream", s.handleTerminalStream)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/v1/terminals/%s/stream?fromSeq=-1", sess.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	if ready["type"] != "ready" {
		t.Fatalf("expected first frame to be ready, got %v", ready)
	}
	if ready["sessionId"] != sess.ID {
		t.Fatalf("expected ready.sessionId=%s, got %v", sess.ID, ready["sessionId"])
	}
}
