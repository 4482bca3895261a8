package server

import "net/http"

// handleHealth never requires auth (spec.md §4.6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"authEnabled": s.cfg.BearerToken != "" || s.jwtValidator != nil,
	})
}
