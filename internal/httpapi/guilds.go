package httpapi

import (
	"net/http"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/roomkey"
)

// requireNodeGuild resolves the node's single guild and checks that
// pathG (the {g} path value) names it, per the single-guild invariant:
// a client addressing any other guild id gets 404, not a silent
// redirect to the real one.
func (s *Server) requireNodeGuild(r *http.Request, pathG string) (string, error) {
	guildID, err := s.nodeGuildID(r.Context())
	if err != nil {
		return "", err
	}
	if pathG != "" && pathG != guildID {
		return "", apperr.NotFoundf("guild %s not found", pathG)
	}
	return guildID, nil
}

func (s *Server) buildGuildView(r *http.Request, guildID, userID string) (guildView, error) {
	guild, err := s.store.GetGuild(r.Context(), guildID)
	if err != nil {
		return guildView{}, err
	}
	roles, err := s.store.ListRoles(r.Context(), guildID)
	if err != nil {
		return guildView{}, err
	}
	members, err := s.store.ListMembers(r.Context(), guildID)
	if err != nil {
		return guildView{}, err
	}
	channels, err := s.store.ListChannels(r.Context(), guildID)
	if err != nil {
		return guildView{}, err
	}
	perms, err := s.perm.Effective(r.Context(), guildID, userID, "")
	if err != nil {
		return guildView{}, err
	}

	roleViews := make([]roleView, 0, len(roles))
	for _, role := range roles {
		roleViews = append(roleViews, newRoleView(role))
	}
	memberViews := make([]memberView, 0, len(members))
	for _, m := range members {
		memberViews = append(memberViews, newMemberView(m))
	}
	channelViews := make([]channelView, 0, len(channels))
	for _, c := range channels {
		channelViews = append(channelViews, newChannelView(c))
	}

	return guildView{
		ID:          guild.ID,
		Name:        guild.Name,
		CreatedAt:   guild.CreatedAt,
		Members:     memberViews,
		Roles:       roleViews,
		Channels:    channelViews,
		Permissions: perms.Names(),
	}, nil
}

// handleListGuilds returns the node's single guild in the array shape
// §6 specifies (a self-hosted node always has exactly one guild, but
// the wire shape stays a list for client compatibility with a
// multi-guild client codebase).
func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	guildID, err := s.nodeGuildID(r.Context())
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if _, err := s.store.EnsureMember(r.Context(), guildID, user.ID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view, err := s.buildGuildView(r, guildID, user.ID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, []guildView{view})
}

// handleCreateGuildDisabled implements §6's single-guild invariant.
func (s *Server) handleCreateGuildDisabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusMethodNotAllowed, errorBody{Error: "this node hosts a single guild"})
}

// handleJoinGuild implements the join endpoint: idempotent membership,
// broadcasting guild:memberJoined only the first time.
func (s *Server) handleJoinGuild(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	_, alreadyErr := s.store.GetMember(r.Context(), guildID, user.ID)
	wasMember := alreadyErr == nil

	member, err := s.store.EnsureMember(r.Context(), guildID, user.ID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if !wasMember {
		s.broadcaster.Broadcast(roomkey.Guild(guildID), "guild:memberJoined", newMemberView(member))
	}
	writeJSON(s.logger, w, http.StatusOK, newMemberView(member))
}

// handleLeaveGuild implements the leave endpoint, which per §6 also
// purges the departing user's node-local data (messages, uploads,
// profile) rather than merely clearing membership.
func (s *Server) handleLeaveGuild(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	removedUploads, err := s.store.PurgeUser(r.Context(), user.ID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	deleteUploadFiles(s.logger, s.cfg.UploadsDir, removedUploads)

	s.broadcaster.Broadcast(roomkey.Guild(guildID), "guild:memberLeft", map[string]string{"userId": user.ID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "left"})
}

