package httpapi

import (
	"net/http"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/roomkey"
)

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	roles, err := s.store.ListRoles(r.Context(), guildID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, newRoleView(role))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}

type roleRequest struct {
	Name        string   `json:"name"`
	Color       int      `json:"color"`
	Hoist       bool     `json:"hoist"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.requireNodeGuild(r, r.PathValue("g"))
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Name == "" {
		writeError(s.logger, w, r, apperr.Validationf("name is required"))
		return
	}
	perms, unknown := model.ParsePermissionNames(req.Permissions)
	if len(unknown) > 0 {
		writeError(s.logger, w, r, apperr.Validationf("unknown permissions: %v", unknown))
		return
	}

	existing, err := s.store.ListRoles(r.Context(), guildID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	// A new role goes directly below the current top role (Admin on a
	// fresh node), which moves up one position so it stays on top.
	position := len(existing)
	if len(existing) > 1 {
		top := existing[0]
		position = top.Position
		top.Position++
		bumped, err := s.store.UpdateRole(r.Context(), top)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
		s.broadcaster.Broadcast(roomkey.Guild(guildID), "role:update", newRoleView(bumped))
	}

	role, err := s.store.CreateRole(r.Context(), model.Role{
		GuildID:     guildID,
		Name:        req.Name,
		Color:       req.Color,
		Permissions: perms,
		Hoist:       req.Hoist,
		Position:    position,
	})
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newRoleView(role)
	s.broadcaster.Broadcast(roomkey.Guild(guildID), "role:new", view)
	writeJSON(s.logger, w, http.StatusCreated, view)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	roleID := r.PathValue("r")
	role, err := s.store.GetRole(r.Context(), roleID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if err := s.checkRoleHierarchy(r, actor.ID, role); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Name != "" {
		role.Name = req.Name
	}
	role.Color = req.Color
	role.Hoist = req.Hoist
	if req.Permissions != nil {
		perms, unknown := model.ParsePermissionNames(req.Permissions)
		if len(unknown) > 0 {
			writeError(s.logger, w, r, apperr.Validationf("unknown permissions: %v", unknown))
			return
		}
		role.Permissions = perms
	}

	updated, err := s.store.UpdateRole(r.Context(), role)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newRoleView(updated)
	s.broadcaster.Broadcast(roomkey.Guild(updated.GuildID), "role:update", view)
	writeJSON(s.logger, w, http.StatusOK, view)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	roleID := r.PathValue("r")
	role, err := s.store.GetRole(r.Context(), roleID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if role.IsEveryone() {
		writeError(s.logger, w, r, apperr.Conflictf("the @everyone role cannot be deleted"))
		return
	}
	if err := s.checkRoleHierarchy(r, actor.ID, role); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	if err := s.store.DeleteRole(r.Context(), roleID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if role.IconURL != "" {
		deleteRoleIconFile(s.logger, roleIconsDir(s.cfg), role.IconURL)
	}

	s.broadcaster.Broadcast(roomkey.Guild(role.GuildID), "role:delete", map[string]string{"id": roleID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "deleted"})
}

// checkRoleHierarchy implements §4.2's role-hierarchy gate for role
// mutation: an actor may only modify a role positioned below their own
// top role, unless they hold ADMINISTRATOR, or the role is @everyone
// and the actor holds MANAGE_SERVER (§4.2 Testable Property #4).
func (s *Server) checkRoleHierarchy(r *http.Request, actorID string, role model.Role) error {
	if actorID == adminActor.ID {
		return nil
	}
	actorPerms, err := s.perm.Effective(r.Context(), role.GuildID, actorID, "")
	if err != nil {
		return err
	}
	if actorPerms.Has(model.PermAdministrator) {
		return nil
	}
	actorMember, err := s.store.GetMember(r.Context(), role.GuildID, actorID)
	if err != nil {
		return err
	}
	roles, err := s.store.ListRoles(r.Context(), role.GuildID)
	if err != nil {
		return err
	}
	actorTop := permission.TopPosition(roles, actorMember.RoleIDs)
	if !permission.CanManage(actorPerms, actorID, "", actorTop, role.Position, role.IsEveryone()) {
		return apperr.Forbiddenf("cannot manage a role at or above your own")
	}
	return nil
}
