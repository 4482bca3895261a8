package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaykit/worker/internal/eventlog"
)

// sseHeartbeat is the default comment-heartbeat interval (spec.md §4.6).
const sseHeartbeat = 15 * time.Second

// sseWriter frames envelopes per spec.md §6 ("id: <seq>\nevent: <type>\n
// data: <JSON envelope>\n\n") and drives the initial-comment/heartbeat
// discipline spec.md §4.6 requires.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.writeComment("connected")
	return sw, true
}

func (sw *sseWriter) writeComment(text string) {
	fmt.Fprintf(sw.w, ": %s\n\n", text)
	sw.flusher.Flush()
}

func (sw *sseWriter) writeHeartbeat() {
	fmt.Fprint(sw.w, ": ping\n\n")
	sw.flusher.Flush()
}

func (sw *sseWriter) writeEnvelope(env eventlog.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	fmt.Fprintf(sw.w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, payload)
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) writeError(code, message string) {
	payload, _ := json.Marshal(map[string]any{
		"type": "error",
		"ts":   time.Now().UTC(),
		"payload": map[string]string{
			"code":    code,
			"message": message,
		},
	})
	fmt.Fprintf(sw.w, "event: error\ndata: %s\n\n", payload)
	sw.flusher.Flush()
}
