package httpapi

import "net/http"

// handleHealth is the unauthenticated liveness probe of §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}
