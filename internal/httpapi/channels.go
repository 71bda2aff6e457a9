package httpapi

import (
	"net/http"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/roomkey"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	channels, err := s.store.ListChannels(r.Context(), guildID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, c := range channels {
		views = append(views, newChannelView(c))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}

type createChannelRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	CategoryID string `json:"categoryId,omitempty"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req createChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Name == "" {
		writeError(s.logger, w, r, apperr.Validationf("name is required"))
		return
	}
	channelType := model.ChannelType(req.Type)
	switch channelType {
	case model.ChannelText, model.ChannelVoice, model.ChannelCategory:
	default:
		writeError(s.logger, w, r, apperr.Validationf("type must be text, voice, or category"))
		return
	}

	channel, err := s.store.CreateChannel(r.Context(), model.Channel{
		GuildID:    guildID,
		Name:       req.Name,
		Type:       channelType,
		CategoryID: req.CategoryID,
		CreatedBy:  user.ID,
	})
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newChannelView(channel)
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "channel:new", view)
	writeJSON(s.logger, w, http.StatusCreated, view)
}

type channelPositionUpdateRequest struct {
	ID         string  `json:"id"`
	Position   int     `json:"position"`
	CategoryID *string `json:"categoryId,omitempty"`
}

func (s *Server) handleReorderChannels(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var batch []channelPositionUpdateRequest
	if err := decodeJSON(w, r, &batch); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	updates := make([]model.ChannelPositionUpdate, 0, len(batch))
	for _, u := range batch {
		update := model.ChannelPositionUpdate{ID: u.ID, Position: u.Position}
		if u.CategoryID != nil {
			update.HasCategoryID = true
			update.CategoryID = *u.CategoryID
		}
		updates = append(updates, update)
	}

	if err := s.store.UpdateChannelPositions(r.Context(), guildID, updates); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	channels, err := s.store.ListChannels(r.Context(), guildID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, c := range channels {
		views = append(views, newChannelView(c))
		s.broadcaster.Broadcast(roomkey.Guild(guildID), "channel:update", newChannelView(c))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}

type updateChannelRequest struct {
	Name      *string                 `json:"name,omitempty"`
	Overrides *overridesUpdateRequest `json:"overrides,omitempty"`
}

type overridesUpdateRequest struct {
	Roles   map[string]overrideUpdateRequest `json:"roles,omitempty"`
	Members map[string]overrideUpdateRequest `json:"members,omitempty"`
}

type overrideUpdateRequest struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("c")
	channel, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req updateChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if req.Name != nil {
		channel, err = s.store.UpdateChannelName(r.Context(), channelID, *req.Name)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
	}
	if req.Overrides != nil {
		overrides, err := buildOverrides(*req.Overrides)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
		if err := s.store.SetChannelOverrides(r.Context(), channelID, overrides); err != nil {
			writeError(s.logger, w, r, err)
			return
		}
		channel, err = s.store.GetChannel(r.Context(), channelID)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
	}

	view := newChannelView(channel)
	s.broadcaster.Broadcast(roomkey.Guild(channel.GuildID), "channel:update", view)
	writeJSON(s.logger, w, http.StatusOK, view)
}

func buildOverrides(req overridesUpdateRequest) (model.PermissionOverrides, error) {
	overrides := model.PermissionOverrides{Roles: map[string]model.Override{}, Members: map[string]model.Override{}}
	for id, o := range req.Roles {
		override, err := buildOverride(o)
		if err != nil {
			return model.PermissionOverrides{}, err
		}
		overrides.Roles[id] = override
	}
	for id, o := range req.Members {
		override, err := buildOverride(o)
		if err != nil {
			return model.PermissionOverrides{}, err
		}
		overrides.Members[id] = override
	}
	return overrides, nil
}

func buildOverride(req overrideUpdateRequest) (model.Override, error) {
	allow, unknownAllow := model.ParsePermissionNames(req.Allow)
	deny, unknownDeny := model.ParsePermissionNames(req.Deny)
	if len(unknownAllow) > 0 || len(unknownDeny) > 0 {
		return model.Override{}, apperr.Validationf("unknown permission names in override")
	}
	return model.Override{Allow: allow, Deny: deny}, nil
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("c")
	channel, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	removedUploads, err := s.store.DeleteChannel(r.Context(), channelID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	deleteUploadFiles(s.logger, s.cfg.UploadsDir, removedUploads)

	s.broadcaster.Broadcast(roomkey.Guild(channel.GuildID), "channel:delete", map[string]string{"id": channelID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "deleted"})
}
