package httpapi

import (
	"net/http"
	"time"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/roomkey"
)

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	members, err := s.store.ListMembers(r.Context(), guildID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, newMemberView(m))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}

// checkMemberHierarchy implements §4.2's hierarchy gate for one
// member acting on another: the actor must be Administrator, hold a
// strictly higher top role position, or be acting on themselves.
func (s *Server) checkMemberHierarchy(r *http.Request, guildID, actorID, targetID string) error {
	if actorID == adminActor.ID {
		return nil
	}
	actorPerms, err := s.perm.Effective(r.Context(), guildID, actorID, "")
	if err != nil {
		return err
	}
	if actorID == targetID || actorPerms.Has(model.PermAdministrator) {
		return nil
	}
	roles, err := s.store.ListRoles(r.Context(), guildID)
	if err != nil {
		return err
	}
	actorMember, err := s.store.GetMember(r.Context(), guildID, actorID)
	if err != nil {
		return err
	}
	targetMember, err := s.store.GetMember(r.Context(), guildID, targetID)
	if err != nil {
		return err
	}
	actorTop := permission.TopPosition(roles, actorMember.RoleIDs)
	targetTop := permission.TopPosition(roles, targetMember.RoleIDs)
	if !permission.CanManage(actorPerms, actorID, targetID, actorTop, targetTop, false) {
		return apperr.Forbiddenf("cannot act on a member with an equal or higher role")
	}
	return nil
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) handleUpdateNickname(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	var req nicknameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if actor.ID != targetID {
		if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
			writeError(s.logger, w, r, err)
			return
		}
	}

	if err := s.store.UpdateMemberNickname(r.Context(), guildID, targetID, req.Nickname); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	s.respondMemberUpdate(w, r, guildID, targetID)
}

type memberRolesRequest struct {
	RoleIDs []string `json:"roleIds"`
}

func (s *Server) handleUpdateMemberRoles(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req memberRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if err := s.store.SetMemberRoles(r.Context(), guildID, targetID, req.RoleIDs); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	s.respondMemberUpdate(w, r, guildID, targetID)
}

type memberTimeoutRequest struct {
	Minutes int `json:"minutes"` // 0 clears the timeout
}

func (s *Server) handleUpdateMemberTimeout(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req memberTimeoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Minutes < 0 || req.Minutes > settings.TimeoutMaxMinutes {
		writeError(s.logger, w, r, apperr.Validationf("minutes must be between 0 and %d", settings.TimeoutMaxMinutes))
		return
	}

	var until *time.Time
	if req.Minutes > 0 {
		t := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
		until = &t
	}
	if err := s.store.SetMemberTimeout(r.Context(), guildID, targetID, until); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	s.respondMemberUpdate(w, r, guildID, targetID)
}

type memberVoiceRequest struct {
	Muted    *bool `json:"muted,omitempty"`
	Deafened *bool `json:"deafened,omitempty"`
}

func (s *Server) handleUpdateMemberVoice(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	member, err := s.store.GetMember(r.Context(), guildID, targetID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	var req memberVoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	muted, deafened := member.VoiceMuted, member.VoiceDeafened
	if req.Muted != nil {
		muted = *req.Muted
	}
	if req.Deafened != nil {
		deafened = *req.Deafened
	}
	if err := s.store.SetMemberVoiceState(r.Context(), guildID, targetID, muted, deafened); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Muted != nil && *req.Muted {
		s.voiceModerator.ForceMuteUser(targetID)
	}
	s.respondMemberUpdate(w, r, guildID, targetID)
}

func (s *Server) respondMemberUpdate(w http.ResponseWriter, r *http.Request, guildID, userID string) {
	member, err := s.store.GetMember(r.Context(), guildID, userID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	view := newMemberView(member)
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "member:update", view)
	writeJSON(s.logger, w, http.StatusOK, view)
}

func (s *Server) handleKickMember(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if err := s.store.RemoveMember(r.Context(), guildID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if _, err := s.store.AddAudit(r.Context(), model.Audit{GuildID: guildID, Action: "member.kick", ActorID: actor.ID, TargetID: targetID}); err != nil {
		s.logger.Warn("recording kick audit entry", "error", err)
	}

	s.broadcaster.Broadcast(roomkey.User(targetID), "guild:kicked", map[string]string{"reason": "kicked"})
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "guild:memberLeft", map[string]string{"userId": targetID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "kicked"})
}

type banMemberRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleBanMember(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req banMemberRequest
	_ = decodeJSON(w, r, &req) // ban reason is optional; a missing/empty body is fine

	if _, err := s.store.AddBan(r.Context(), model.Ban{UserID: targetID, Reason: req.Reason}); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	removedUploads, err := s.store.PurgeUser(r.Context(), targetID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	deleteUploadFiles(s.logger, s.cfg.UploadsDir, removedUploads)

	if _, err := s.store.AddAudit(r.Context(), model.Audit{GuildID: guildID, Action: "member.ban", ActorID: actor.ID, TargetID: targetID, Data: map[string]any{"reason": req.Reason}}); err != nil {
		s.logger.Warn("recording ban audit entry", "error", err)
	}

	s.broadcaster.Broadcast(roomkey.User(targetID), "guild:kicked", map[string]string{"reason": "banned"})
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "guild:memberLeft", map[string]string{"userId": targetID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "banned"})
}

type moveMemberRequest struct {
	ChannelID string `json:"channelId"`
}

// handleMoveMember implements §4.6's moveUser moderation hook over
// HTTP: it hands the request to the voice coordinator's (C6) MoveUser
// hook, which sends voice:move to the target's sockets; the client
// then re-joins the named channel itself.
func (s *Server) handleMoveMember(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	targetID := r.PathValue("u")

	if err := s.checkMemberHierarchy(r, guildID, actor.ID, targetID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req moveMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.ChannelID == "" {
		writeError(s.logger, w, r, apperr.Validationf("channelId is required"))
		return
	}
	if _, err := s.store.GetChannel(r.Context(), req.ChannelID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	s.voiceModerator.MoveUser(targetID, req.ChannelID)
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "moved"})
}
