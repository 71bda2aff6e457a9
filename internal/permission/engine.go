// Package permission implements the community node's access control
// evaluation: composing a member's role permissions with category and
// channel overrides and the timeout block-list into a single effective
// bitmask.
//
// The engine holds no state of its own; it reads through a Source on
// every call so overrides and role changes take effect immediately,
// with no cache to invalidate.
package permission

import (
	"context"
	"time"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// Source is the read surface the engine needs from the store. It is an
// interface (rather than a concrete *store.Store) so tests can supply
// an in-memory fixture without touching sqlite.
type Source interface {
	GetMember(ctx context.Context, guildID, userID string) (model.Member, error)
	ListRoles(ctx context.Context, guildID string) ([]model.Role, error)
	GetChannel(ctx context.Context, channelID string) (model.Channel, error)
}

// Engine evaluates effective permissions per §4.2.
type Engine struct {
	source Source
	clock  interface{ Now() time.Time }
}

// New builds an Engine reading through source. clock supplies "now"
// for timeout evaluation.
func New(source Source, clock interface{ Now() time.Time }) *Engine {
	return &Engine{source: source, clock: clock}
}

// Effective computes permissions(guildId, userId, channelId?) per the
// algorithm in §4.2. Pass an empty channelID to evaluate guild-wide
// permissions with no channel/category overrides applied.
func (e *Engine) Effective(ctx context.Context, guildID, userID, channelID string) (model.Bitmask, error) {
	member, err := e.source.GetMember(ctx, guildID, userID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return 0, nil
		}
		return 0, err
	}

	roles, err := e.source.ListRoles(ctx, guildID)
	if err != nil {
		return 0, err
	}
	memberRoleIDs := roleIDSet(guildID, member.RoleIDs)

	var perms model.Bitmask
	roleByID := make(map[string]model.Role, len(roles))
	for _, r := range roles {
		roleByID[r.ID] = r
		if memberRoleIDs[r.ID] {
			perms |= r.Permissions
		}
	}

	if perms.Has(model.PermAdministrator) {
		return model.FullMask, nil
	}

	if channelID != "" {
		channel, err := e.source.GetChannel(ctx, channelID)
		if err != nil {
			return 0, err
		}
		if channel.CategoryID != "" {
			category, err := e.source.GetChannel(ctx, channel.CategoryID)
			if err != nil {
				return 0, err
			}
			perms = applyOverrides(perms, guildID, memberRoleIDs, userID, category.Overrides)
		}
		perms = applyOverrides(perms, guildID, memberRoleIDs, userID, channel.Overrides)
	}

	if member.InTimeout(e.clock.Now()) {
		perms &^= model.TimeoutBlocked
	}

	return perms, nil
}

// applyOverrides applies one channel or category's overrides in the
// three precedence steps of §4.2 step 4: @everyone first, the union of
// all other applicable role overrides second, the member override
// last.
func applyOverrides(perms model.Bitmask, guildID string, memberRoleIDs map[string]bool, userID string, overrides model.PermissionOverrides) model.Bitmask {
	if everyone, ok := overrides.Roles[guildID]; ok {
		perms = perms.Apply(everyone.Allow, everyone.Deny)
	}

	var allowUnion, denyUnion model.Bitmask
	for roleID, o := range overrides.Roles {
		if roleID == guildID || !memberRoleIDs[roleID] {
			continue
		}
		allowUnion |= o.Allow
		denyUnion |= o.Deny
	}
	perms = perms.Apply(allowUnion, denyUnion)

	if member, ok := overrides.Members[userID]; ok {
		perms = perms.Apply(member.Allow, member.Deny)
	}
	return perms
}

func roleIDSet(guildID string, roleIDs []string) map[string]bool {
	set := make(map[string]bool, len(roleIDs)+1)
	set[guildID] = true
	for _, id := range roleIDs {
		set[id] = true
	}
	return set
}

// TopPosition returns the highest role position among roleIDs,
// treating an unknown role as position -1. Used by the moderation
// gating rule in §4.2 ("a member's top position is the max position of
// roles they hold").
func TopPosition(roles []model.Role, roleIDs []string) int {
	held := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		held[id] = true
	}
	top := -1
	for _, r := range roles {
		if held[r.ID] && r.Position > top {
			top = r.Position
		}
	}
	return top
}

// CanManage implements the role-hierarchy gate of §4.2: an actor may
// manage a role or member only if the actor is Administrator, the
// actor's top position strictly exceeds the target's top (or the
// role's position for role operations), the actor is acting on
// themselves, or the target is the @everyone role and the actor holds
// MANAGE_SERVER. The last carve-out exists because @everyone always
// sits at position 0 (internal/store's bring-up seeds it that way), so
// an operator who holds no role above position 0 can never exceed it
// by position alone — MANAGE_SERVER is the deliberate escape hatch for
// editing the guild's default permission set.
func CanManage(actorPerms model.Bitmask, actorID, targetID string, actorTop, targetTop int, targetIsEveryone bool) bool {
	if actorID == targetID {
		return true
	}
	if actorPerms.Has(model.PermAdministrator) {
		return true
	}
	if actorTop > targetTop {
		return true
	}
	return targetIsEveryone && actorPerms.Has(model.PermManageServer)
}
