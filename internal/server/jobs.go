package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/eventlog"
	"github.com/relaykit/worker/internal/jobengine"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	dto, err := s.engine.GetJob(r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// handleJobEvents serves either a JSON page or, when the client asks for
// text/event-stream, a live SSE stream: replay then (if the job is not yet
// terminal) live envelopes, per spec.md §4.6.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		renderError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamJobEventsSSE(w, r, jobID, cursor)
		return
	}

	envs, next, err := s.engine.ListEvents(jobID, cursor)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": envs, "nextCursor": next})
}

func (s *Server) streamJobEventsSSE(w http.ResponseWriter, r *http.Request, jobID string, cursor *int64) {
	envs, _, err := s.engine.ListEvents(jobID, cursor)
	if err != nil {
		renderError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		renderError(w, apierror.New(apierror.CodeInternal, "streaming unsupported by this connection"))
		return
	}

	for _, env := range envs {
		if sw.writeEnvelope(env) != nil {
			return
		}
	}

	job, err := s.engine.GetJob(jobID)
	if err != nil {
		sw.writeError(apierror.CodeJobNotFound, err.Error())
		return
	}
	if job.State.IsTerminal() {
		return
	}

	live := make(chan eventlog.Envelope, 64)
	detach, err := s.engine.Subscribe(jobID, func(env eventlog.Envelope) {
		select {
		case live <- env:
		default:
			// Slow subscriber: drop rather than block the dispatcher
			// indefinitely; the client can recover via a fresh GET.
		}
	})
	if err != nil {
		sw.writeError(apierror.CodeJobNotFound, err.Error())
		return
	}
	defer detach()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sw.writeHeartbeat()
		case env := <-live:
			if sw.writeEnvelope(env) != nil {
				return
			}
			if env.Type == "job.finished" {
				return
			}
		}
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body jobengine.ApproveRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}

	result, err := s.engine.Approve(r.Context(), r.PathValue("id"), body)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	dto, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}
