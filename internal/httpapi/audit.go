package httpapi

import (
	"net/http"
	"strconv"
)

// handleListAudit implements GET /api/guilds/{g}/audit, gated on
// VIEW_AUDIT_LOG by this route's permission middleware.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := s.store.ListAudit(r.Context(), guildID, limit)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, a := range entries {
		views = append(views, newAuditView(a))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}
