package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/terminal"
)

// handleTerminalState reports whether a thread has a live terminal session
// and, if so, its transport and websocket path.
func (s *Server) handleTerminalState(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	sess, err := s.terminals.GetByThread(threadID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": nil})
		return
	}
	writeJSON(w, http.StatusOK, terminalStateBody(sess))
}

type openTerminalRequest struct {
	Rows int      `json:"rows,omitempty"`
	Cols int      `json:"cols,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// handleOpenTerminal opens (or, if one already exists, returns) the
// terminal session for a thread. Idempotent per spec.md §7 Recovery.
func (s *Server) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var body openTerminalRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			renderError(w, err)
			return
		}
	}

	thread, err := s.engine.GetThread(threadID)
	if err != nil {
		renderError(w, err)
		return
	}

	sess, err := s.terminals.OpenForThread(threadID, thread.WorkingDir, body.Env, body.Rows, body.Cols)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, terminalStateBody(sess))
}

func terminalStateBody(sess *terminal.Session) map[string]any {
	exited, exitCode := sess.Exited()
	body := map[string]any{
		"sessionId":     sess.ID,
		"threadId":      sess.ThreadID,
		"cwd":           sess.WorkDir,
		"transportMode": sess.TransportMode(),
		"wsPath":        "/v1/terminals/" + sess.ID + "/stream",
		"exited":        exited,
	}
	if exited {
		body["exitCode"] = exitCode
	}
	return body
}

type resizeTerminalRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (s *Server) handleResizeTerminal(w http.ResponseWriter, r *http.Request) {
	var body resizeTerminalRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}
	if body.Rows <= 0 || body.Cols <= 0 {
		renderError(w, apierror.New(apierror.CodeInvalidJSON, "rows and cols must be positive"))
		return
	}
	if err := s.terminals.ResizeSession(r.PathValue("id"), body.Rows, body.Cols); err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resized"})
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	if err := s.terminals.CloseSession(r.PathValue("id")); err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

// terminalUpgrader reuses the frontdoor's CORS origin allow-list for the
// WebSocket handshake, since gorilla/websocket checks it separately from
// corsMiddleware (which never runs for a hijacked connection).
func (s *Server) terminalUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}
}

type wsClientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	ClientTs int64  `json:"clientTs,omitempty"`
}

type wsServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Data      string `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// wsExitFrame is the closing frame of a terminal stream (spec.md §8
// scenario e). Signal is always null: signal delivery isn't tracked.
type wsExitFrame struct {
	Type     string  `json:"type"`
	Seq      int64   `json:"seq"`
	ExitCode int     `json:"exitCode"`
	Signal   *string `json:"signal"`
}

// handleTerminalStream implements the WebSocket terminal protocol of
// spec.md §4.6: a ready frame, replay from fromSeq, then a bidirectional
// stream of input/output/resize/ping-pong until the session exits, the
// client detaches, or the heartbeat lapses.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	fromSeq, err := parseFromSeq(r.URL.Query().Get("fromSeq"))
	if err != nil {
		renderError(w, err)
		return
	}

	sess, err := s.terminals.Get(sessionID)
	if err != nil {
		renderError(w, err)
		return
	}

	upgrader := s.terminalUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal websocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}
	defer conn.Close()

	heartbeat := s.cfg.TerminalHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	out := make(chan terminal.Frame, 256)
	detachSink := func(f terminal.Frame) {
		select {
		case out <- f:
		default:
			// Slow reader: drop rather than block the session's read loop.
		}
	}

	replay, err := s.terminals.AttachClientSince(sessionID, fromSeq, detachSink)
	if err != nil {
		_ = conn.WriteJSON(wsServerFrame{Type: "error", Code: apierror.CodeTerminalNotFound, Message: err.Error()})
		return
	}
	defer s.terminals.DetachClient(sessionID)

	lastSeq := fromSeq
	if n := len(replay); n > 0 {
		lastSeq = replay[n-1].Seq
	}
	if err := conn.WriteJSON(wsServerFrame{
		Type: "ready", SessionID: sess.ID, ThreadID: sess.ThreadID, Cwd: sess.WorkDir, Seq: lastSeq,
	}); err != nil {
		return
	}
	for _, f := range replay {
		if !writeFrame(conn, f) {
			return
		}
	}

	incoming := make(chan wsClientMessage, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			incoming <- msg
		}
	}()

	lastActivity := time.Now()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case f := <-out:
			if !writeFrame(conn, f) {
				return
			}
			if f.Type == "exit" {
				return
			}

		case <-ticker.C:
			if time.Since(lastActivity) > 2*heartbeat {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(1011, "heartbeat timeout"), time.Now().Add(5*time.Second))
				return
			}
			_ = conn.WriteJSON(wsServerFrame{Type: "ping"})

		case <-readErr:
			return

		case msg := <-incoming:
			lastActivity = time.Now()
			switch msg.Type {
			case "input":
				if err := s.terminals.WriteInput(sessionID, []byte(msg.Data)); err != nil {
					_ = conn.WriteJSON(wsServerFrame{Type: "error", Code: apierror.CodeTerminalNotFound, Message: err.Error()})
				}
			case "resize":
				if msg.Rows > 0 && msg.Cols > 0 {
					_ = s.terminals.ResizeSession(sessionID, msg.Rows, msg.Cols)
				}
			case "ping":
				_ = conn.WriteJSON(wsServerFrame{Type: "pong"})
			case "pong":
				// Activity timestamp already bumped above; nothing else to do.
			case "detach":
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
				return
			default:
				_ = conn.WriteJSON(wsServerFrame{Type: "error", Code: apierror.CodeInvalidJSON, Message: "unknown message type: " + msg.Type})
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f terminal.Frame) bool {
	if f.Type == "exit" {
		code := 0
		if f.ExitCode != nil {
			code = *f.ExitCode
		}
		return conn.WriteJSON(wsExitFrame{Type: "exit", Seq: f.Seq, ExitCode: code}) == nil
	}
	return conn.WriteJSON(wsServerFrame{Type: f.Type, Seq: f.Seq, Data: string(f.Data)}) == nil
}

func parseFromSeq(raw string) (int64, error) {
	if raw == "" {
		return -1, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierror.New(apierror.CodeInvalidCursor, "fromSeq must be an integer")
	}
	return v, nil
}
