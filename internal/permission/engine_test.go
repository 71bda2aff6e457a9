package permission

import (
	"context"
	"testing"
	"time"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

type fakeSource struct {
	members  map[string]model.Member
	roles    []model.Role
	channels map[string]model.Channel
}

func (f *fakeSource) GetMember(ctx context.Context, guildID, userID string) (model.Member, error) {
	m, ok := f.members[userID]
	if !ok {
		return model.Member{}, apperr.NotFoundf("member %s not found", userID)
	}
	return m, nil
}

func (f *fakeSource) ListRoles(ctx context.Context, guildID string) ([]model.Role, error) {
	return f.roles, nil
}

func (f *fakeSource) GetChannel(ctx context.Context, channelID string) (model.Channel, error) {
	c, ok := f.channels[channelID]
	if !ok {
		return model.Channel{}, apperr.NotFoundf("channel %s not found", channelID)
	}
	return c, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

const guildID = "guild-1"

func TestEffective_AdministratorShortCircuits(t *testing.T) {
	src := &fakeSource{
		members: map[string]model.Member{
			"admin": {GuildID: guildID, UserID: "admin", RoleIDs: []string{"admin-role"}},
		},
		roles: []model.Role{
			{ID: guildID, GuildID: guildID, Permissions: model.DefaultEveryoneMask},
			{ID: "admin-role", GuildID: guildID, Permissions: model.PermAdministrator, Position: 1},
		},
		channels: map[string]model.Channel{},
	}
	eng := New(src, fixedClock{})

	got, err := eng.Effective(context.Background(), guildID, "admin", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != model.FullMask {
		t.Fatalf("want FullMask, got %#x", got)
	}
}

func TestEffective_EveryoneOverrideThenMemberOverride(t *testing.T) {
	src := &fakeSource{
		members: map[string]model.Member{
			"user": {GuildID: guildID, UserID: "user"},
		},
		roles: []model.Role{
			{ID: guildID, GuildID: guildID, Permissions: model.DefaultEveryoneMask},
		},
		channels: map[string]model.Channel{
			"chan-1": {
				ID: "chan-1", GuildID: guildID,
				Overrides: model.PermissionOverrides{
					Roles: map[string]model.Override{
						guildID: {Deny: model.PermSendMessages},
					},
					Members: map[string]model.Override{
						"user": {Allow: model.PermSendMessages},
					},
				},
			},
		},
	}
	eng := New(src, fixedClock{})

	got, err := eng.Effective(context.Background(), guildID, "user", "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Has(model.PermSendMessages) {
		t.Fatalf("member override should restore SEND_MESSAGES, got %#x", got)
	}
}

func TestEffective_CategoryThenChannelOverride(t *testing.T) {
	src := &fakeSource{
		members: map[string]model.Member{
			"user": {GuildID: guildID, UserID: "user"},
		},
		roles: []model.Role{
			{ID: guildID, GuildID: guildID, Permissions: model.DefaultEveryoneMask},
		},
		channels: map[string]model.Channel{
			"category-1": {
				ID: "category-1", GuildID: guildID, Type: model.ChannelCategory,
				Overrides: model.PermissionOverrides{
					Roles: map[string]model.Override{guildID: {Deny: model.PermAttachFiles}},
				},
			},
			"chan-1": {
				ID: "chan-1", GuildID: guildID, CategoryID: "category-1",
				Overrides: model.PermissionOverrides{
					Roles: map[string]model.Override{guildID: {Allow: model.PermAttachFiles}},
				},
			},
		},
	}
	eng := New(src, fixedClock{})

	got, err := eng.Effective(context.Background(), guildID, "user", "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Has(model.PermAttachFiles) {
		t.Fatalf("channel override applied after category should restore ATTACH_FILES, got %#x", got)
	}
}

func TestEffective_TimeoutClearsBlockedBits(t *testing.T) {
	future := time.Now().Add(time.Hour)
	src := &fakeSource{
		members: map[string]model.Member{
			"user": {GuildID: guildID, UserID: "user", TimeoutUntil: &future},
		},
		roles: []model.Role{
			{ID: guildID, GuildID: guildID, Permissions: model.DefaultEveryoneMask},
		},
		channels: map[string]model.Channel{},
	}
	eng := New(src, fixedClock{now: time.Now()})

	got, err := eng.Effective(context.Background(), guildID, "user", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Has(model.PermSendMessages) || got.Has(model.PermAttachFiles) {
		t.Fatalf("timeout should clear TIMEOUT_BLOCKED bits, got %#x", got)
	}
	if !got.Has(model.PermViewChannels) {
		t.Fatalf("timeout should not clear unrelated bits, got %#x", got)
	}
}

func TestEffective_UnknownMemberReturnsZero(t *testing.T) {
	src := &fakeSource{members: map[string]model.Member{}, channels: map[string]model.Channel{}}
	eng := New(src, fixedClock{})

	got, err := eng.Effective(context.Background(), guildID, "ghost", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("want 0 for unknown member, got %#x", got)
	}
}

func TestCanManage_ManageServerCarveOutForEveryone(t *testing.T) {
	// @everyone always sits at position 0, so an actor whose top role
	// is also position 0 (or who holds no roles at all) could never
	// clear the plain top-position comparison against it.
	if CanManage(model.PermManageRoles, "actor", "", 0, 0, true) {
		t.Fatalf("MANAGE_ROLES alone should not unlock @everyone")
	}
	if !CanManage(model.PermManageRoles|model.PermManageServer, "actor", "", 0, 0, true) {
		t.Fatalf("MANAGE_SERVER should unlock @everyone even at equal top position")
	}
	if CanManage(model.PermManageServer, "actor", "target-role", 0, 5, false) {
		t.Fatalf("MANAGE_SERVER should not bypass hierarchy for a non-@everyone target")
	}
}

func TestCanManage_TopPositionAndSelfStillApply(t *testing.T) {
	if !CanManage(0, "same", "same", 0, 0, false) {
		t.Fatalf("acting on self should always be allowed")
	}
	if !CanManage(0, "actor", "target", 3, 1, false) {
		t.Fatalf("strictly higher top position should be allowed")
	}
	if CanManage(0, "actor", "target", 1, 1, false) {
		t.Fatalf("equal top position should not be allowed")
	}
}
