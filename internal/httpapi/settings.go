package httpapi

import (
	"net/http"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/roomkey"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, newSettingsView(settings))
}

type updateSettingsRequest struct {
	AuditMaxEntries   *int `json:"auditMaxEntries,omitempty"`
	TimeoutMaxMinutes *int `json:"timeoutMaxMinutes,omitempty"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req updateSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.AuditMaxEntries != nil {
		if *req.AuditMaxEntries < 1 {
			writeError(s.logger, w, r, apperr.Validationf("auditMaxEntries must be at least 1"))
			return
		}
		settings.AuditMaxEntries = *req.AuditMaxEntries
	}
	if req.TimeoutMaxMinutes != nil {
		if *req.TimeoutMaxMinutes < 0 {
			writeError(s.logger, w, r, apperr.Validationf("timeoutMaxMinutes cannot be negative"))
			return
		}
		settings.TimeoutMaxMinutes = *req.TimeoutMaxMinutes
	}

	updated, err := s.store.UpdateSettings(r.Context(), settings)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newSettingsView(updated)
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "settings:update", view)
	writeJSON(s.logger, w, http.StatusOK, view)
}
