package server

import (
	"net/http"
	"strconv"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/jobengine"
)

// handleListProjects returns the allow-listed projects createThread may
// resolve a projectSelector against.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.cfg.Projects})
}

// resolveProject maps a client-supplied projectSelector against the
// allow-list, accepting either a project id or an exact path. This
// allow-list check is an HTTP-layer concern, kept out of jobengine so the
// engine stays free of config/HTTP dependencies.
func (s *Server) resolveProject(selector string) (string, error) {
	for _, p := range s.cfg.Projects {
		if p.ID == selector || p.Path == selector {
			return p.Path, nil
		}
	}
	return "", apierror.New(apierror.CodeInvalidThreadID, "projectSelector does not match an allow-listed project")
}

type createThreadRequest struct {
	ProjectSelector string `json:"projectSelector"`
	Name            string `json:"name,omitempty"`
	ApprovalPolicy  string `json:"approvalPolicy,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body createThreadRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}

	path, err := s.resolveProject(body.ProjectSelector)
	if err != nil {
		renderError(w, err)
		return
	}

	dto, err := s.engine.CreateThread(r.Context(), jobengine.CreateThreadParams{
		ProjectSelector: path, Name: body.Name, ApprovalPolicy: body.ApprovalPolicy, Sandbox: body.Sandbox,
	})
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	var archived *bool
	if raw := r.URL.Query().Get("archived"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			renderError(w, apierror.New(apierror.CodeInvalidArchivedFlag, "archived must be a boolean"))
			return
		}
		archived = &b
	}

	threads, err := s.engine.ListThreads(r.Context(), archived)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleActivateThread(w http.ResponseWriter, r *http.Request) {
	dto, err := s.engine.ActivateThread(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleArchiveThread(w http.ResponseWriter, r *http.Request) {
	dto, err := s.engine.SetArchived(r.PathValue("id"), true)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleUnarchiveThread(w http.ResponseWriter, r *http.Request) {
	dto, err := s.engine.SetArchived(r.PathValue("id"), false)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleExportThread(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.ExportThread(r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleImportThread(w http.ResponseWriter, r *http.Request) {
	var body jobengine.ExportedThread
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}
	dto, err := s.engine.ImportThread(r.Context(), body)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		renderError(w, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		renderError(w, err)
		return
	}

	envs, next, hasMore, err := s.projector.Get(r.Context(), threadID, cursor, limit)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     envs,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type startTurnRequest struct {
	Input any `json:"input"`
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var body startTurnRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}

	dto, err := s.engine.StartTurn(r.Context(), r.PathValue("id"), body.Input)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dto)
}

// parseCursor parses a nullable integer query parameter per the cursor
// replay rules: missing or "null" means "from the beginning".
func parseCursor(raw string) (*int64, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apierror.New(apierror.CodeInvalidCursor, "cursor must be an integer")
	}
	return &v, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apierror.New(apierror.CodeInvalidLimit, "limit must be a non-negative integer")
	}
	return v, nil
}
