package store

import (
	"context"
	"testing"
	"time"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/model"
)

func openTestStore(t *testing.T) (*Store, string, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := Open(context.Background(), Config{Dir: t.TempDir(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	guildID, err := st.NodeGuildID(context.Background())
	if err != nil {
		t.Fatalf("NodeGuildID: %v", err)
	}
	return st, guildID, fakeClock
}

func TestOpen_SeedsNodeGuildWithDefaults(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	guild, err := st.GetGuild(ctx, guildID)
	if err != nil {
		t.Fatalf("GetGuild: %v", err)
	}
	if guild.Name == "" {
		t.Fatalf("expected a seeded guild name")
	}

	roles, err := st.ListRoles(ctx, guildID)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) == 0 {
		t.Fatalf("expected at least the @everyone role to be seeded")
	}

	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings != model.DefaultSettings {
		t.Fatalf("got settings %+v, want defaults %+v", settings, model.DefaultSettings)
	}
}

func TestOpen_IsIdempotentOnReopen(t *testing.T) {
	dir := t.TempDir()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st1, err := Open(context.Background(), Config{Dir: dir, Clock: fakeClock})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	guildID1, _ := st1.NodeGuildID(context.Background())
	st1.Close()

	st2, err := Open(context.Background(), Config{Dir: dir, Clock: fakeClock})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer st2.Close()
	guildID2, _ := st2.NodeGuildID(context.Background())

	if guildID1 != guildID2 {
		t.Fatalf("reopening should reuse the same seeded guild, got %s then %s", guildID1, guildID2)
	}
}

func TestChannelCRUD(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	created, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "general", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a generated channel id")
	}

	got, err := st.GetChannel(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != "general" || got.Type != model.ChannelText {
		t.Fatalf("got %+v, want name=general type=text", got)
	}

	renamed, err := st.UpdateChannelName(ctx, created.ID, "renamed")
	if err != nil {
		t.Fatalf("UpdateChannelName: %v", err)
	}
	if renamed.Name != "renamed" {
		t.Fatalf("got name %q, want renamed", renamed.Name)
	}

	if _, err := st.DeleteChannel(ctx, created.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := st.GetChannel(ctx, created.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestGetChannel_NotFound(t *testing.T) {
	st, _, _ := openTestStore(t)
	if _, err := st.GetChannel(context.Background(), "does-not-exist"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestDeleteChannel_CascadesMessagesAndAttachments(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	channel, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "temp", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	upload, err := st.CreateUpload(ctx, model.Upload{ChannelID: channel.ID, AuthorID: "user-1", Name: "file.png", Size: 10, MimeType: "image/png", URL: "/uploads/file.png"})
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	msg, err := st.CreateMessage(ctx, model.Message{ChannelID: channel.ID, AuthorID: "user-1", Content: "hi", Attachments: []model.Attachment{{ID: upload.ID, Name: upload.Name, URL: upload.URL}}})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	orphans, err := st.DeleteChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	found := false
	for _, u := range orphans {
		if u.ID == upload.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DeleteChannel to report the channel's upload for on-disk cleanup, got %+v", orphans)
	}
	if _, err := st.GetMessage(ctx, msg.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected the channel's message to be deleted with it, got %v", err)
	}
}

func TestMemberLifecycle(t *testing.T) {
	st, guildID, fakeClock := openTestStore(t)
	ctx := context.Background()

	member, err := st.EnsureMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("EnsureMember: %v", err)
	}
	if member.UserID != "user-1" {
		t.Fatalf("got user %q, want user-1", member.UserID)
	}

	again, err := st.EnsureMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("EnsureMember (idempotent): %v", err)
	}
	if again.JoinedAt != member.JoinedAt {
		t.Fatalf("re-ensuring an existing member should not reset JoinedAt")
	}

	role, err := st.CreateRole(ctx, model.Role{GuildID: guildID, Name: "mod", Permissions: model.PermKickMembers})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := st.SetMemberRoles(ctx, guildID, "user-1", []string{role.ID}); err != nil {
		t.Fatalf("SetMemberRoles: %v", err)
	}

	got, err := st.GetMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	hasRole := false
	for _, id := range got.RoleIDs {
		if id == role.ID {
			hasRole = true
		}
	}
	if !hasRole {
		t.Fatalf("got roles %v, want %s among them", got.RoleIDs, role.ID)
	}

	until := fakeClock.Now().Add(10 * time.Minute)
	if err := st.SetMemberTimeout(ctx, guildID, "user-1", &until); err != nil {
		t.Fatalf("SetMemberTimeout: %v", err)
	}
	got, err = st.GetMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("GetMember after timeout: %v", err)
	}
	if got.TimeoutUntil == nil || !got.TimeoutUntil.Equal(until) {
		t.Fatalf("got timeout %v, want %v", got.TimeoutUntil, until)
	}
	if !got.InTimeout(fakeClock.Now()) {
		t.Fatalf("expected member to be in timeout")
	}

	if err := st.SetMemberVoiceState(ctx, guildID, "user-1", true, true); err != nil {
		t.Fatalf("SetMemberVoiceState: %v", err)
	}
	got, err = st.GetMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("GetMember after voice state: %v", err)
	}
	if !got.VoiceMuted || !got.VoiceDeafened {
		t.Fatalf("got voice state muted=%v deafened=%v, want both true", got.VoiceMuted, got.VoiceDeafened)
	}

	if err := st.RemoveMember(ctx, guildID, "user-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, err := st.GetMember(ctx, guildID, "user-1"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("got %v, want NotFound after RemoveMember", err)
	}
}

func TestDeleteRole_ScrubsMemberRoleSets(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	role, err := st.CreateRole(ctx, model.Role{GuildID: guildID, Name: "temp-role"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := st.EnsureMember(ctx, guildID, "user-1"); err != nil {
		t.Fatalf("EnsureMember: %v", err)
	}
	if err := st.SetMemberRoles(ctx, guildID, "user-1", []string{role.ID}); err != nil {
		t.Fatalf("SetMemberRoles: %v", err)
	}

	if err := st.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}

	member, err := st.GetMember(ctx, guildID, "user-1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	for _, id := range member.RoleIDs {
		if id == role.ID {
			t.Fatalf("expected deleted role to be scrubbed from member.RoleIDs, got %v", member.RoleIDs)
		}
	}
}

func TestMessageCRUD(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	channel, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "general", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	msg, err := st.CreateMessage(ctx, model.Message{ChannelID: channel.ID, AuthorID: "user-1", Content: "hello"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	edited, err := st.UpdateMessageContent(ctx, msg.ID, "hello, edited")
	if err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	if edited.Content != "hello, edited" {
		t.Fatalf("got content %q, want edited", edited.Content)
	}

	list, err := st.ListMessages(ctx, channel.ID, "", 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 || list[0].ID != msg.ID {
		t.Fatalf("got %d messages, want exactly the one created", len(list))
	}

	deleted, err := st.DeleteMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if deleted.ID != msg.ID {
		t.Fatalf("got deleted id %q, want %q", deleted.ID, msg.ID)
	}
	if _, err := st.GetMessage(ctx, msg.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("got %v, want NotFound after delete", err)
	}
}

// TestCreateMessage_FiltersForeignAttachmentsAndCrossChannelReplies
// reproduces the attachment-theft / cross-channel-reply scenario: an
// upload owned by a different user, an upload from a different
// channel, a duplicate reference, and a reply pointing into another
// channel should all be dropped rather than silently stored.
func TestCreateMessage_FiltersForeignAttachmentsAndCrossChannelReplies(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	channelA, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "a", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel a: %v", err)
	}
	channelB, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "b", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel b: %v", err)
	}

	own, err := st.CreateUpload(ctx, model.Upload{ChannelID: channelA.ID, AuthorID: "user-1", Name: "mine.png", Size: 1, MimeType: "image/png", URL: "/uploads/mine.png"})
	if err != nil {
		t.Fatalf("CreateUpload own: %v", err)
	}
	foreign, err := st.CreateUpload(ctx, model.Upload{ChannelID: channelA.ID, AuthorID: "user-2", Name: "theirs.png", Size: 1, MimeType: "image/png", URL: "/uploads/theirs.png"})
	if err != nil {
		t.Fatalf("CreateUpload foreign: %v", err)
	}
	wrongChannel, err := st.CreateUpload(ctx, model.Upload{ChannelID: channelB.ID, AuthorID: "user-1", Name: "elsewhere.png", Size: 1, MimeType: "image/png", URL: "/uploads/elsewhere.png"})
	if err != nil {
		t.Fatalf("CreateUpload wrongChannel: %v", err)
	}

	replyInB, err := st.CreateMessage(ctx, model.Message{ChannelID: channelB.ID, AuthorID: "user-1", Content: "over here"})
	if err != nil {
		t.Fatalf("CreateMessage replyInB: %v", err)
	}

	msg, err := st.CreateMessage(ctx, model.Message{
		ChannelID: channelA.ID,
		AuthorID:  "user-1",
		Content:   "look at this",
		Attachments: []model.Attachment{
			{ID: own.ID}, {ID: own.ID}, {ID: foreign.ID}, {ID: wrongChannel.ID}, {ID: "does-not-exist"},
		},
		ReplyToID: replyInB.ID,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ID != own.ID {
		t.Fatalf("got attachments %+v, want only the caller's own upload in channelA", msg.Attachments)
	}
	if msg.ReplyToID != "" {
		t.Fatalf("got replyToId %q, want empty since the target is in a different channel", msg.ReplyToID)
	}

	if _, err := st.CreateMessage(ctx, model.Message{
		ChannelID:   channelA.ID,
		AuthorID:    "user-1",
		Attachments: []model.Attachment{{ID: foreign.ID}},
	}); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("got %v, want Validation when no content and no valid attachments remain", err)
	}
}

func TestBanLifecycle(t *testing.T) {
	st, _, fakeClock := openTestStore(t)
	ctx := context.Background()

	if banned, err := st.IsBanned(ctx, "user-1"); err != nil || banned {
		t.Fatalf("expected user-1 to start unbanned, got banned=%v err=%v", banned, err)
	}

	if _, err := st.AddBan(ctx, model.Ban{UserID: "user-1", Reason: "spam", BannedAt: fakeClock.Now()}); err != nil {
		t.Fatalf("AddBan: %v", err)
	}

	banned, err := st.IsBanned(ctx, "user-1")
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatalf("expected user-1 to be banned")
	}

	bans, err := st.ListBans(ctx)
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(bans) != 1 || bans[0].UserID != "user-1" {
		t.Fatalf("got bans %+v, want exactly user-1", bans)
	}

	if err := st.RemoveBan(ctx, "user-1"); err != nil {
		t.Fatalf("RemoveBan: %v", err)
	}
	if banned, err := st.IsBanned(ctx, "user-1"); err != nil || banned {
		t.Fatalf("expected user-1 to be unbanned after RemoveBan, got banned=%v err=%v", banned, err)
	}
}

func TestPurgeUser_RemovesMessagesAndReturnsUploadsForCleanup(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	channel, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "general", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := st.EnsureMember(ctx, guildID, "user-1"); err != nil {
		t.Fatalf("EnsureMember: %v", err)
	}
	upload, err := st.CreateUpload(ctx, model.Upload{ChannelID: channel.ID, AuthorID: "user-1", Name: "a.png", Size: 1, MimeType: "image/png", URL: "/uploads/a.png"})
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	msg, err := st.CreateMessage(ctx, model.Message{ChannelID: channel.ID, AuthorID: "user-1", Content: "bye"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	uploads, err := st.PurgeUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("PurgeUser: %v", err)
	}
	found := false
	for _, u := range uploads {
		if u.ID == upload.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PurgeUser to report the user's upload for cleanup, got %+v", uploads)
	}

	if _, err := st.GetMessage(ctx, msg.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected the user's message to be purged, got %v", err)
	}
	if _, err := st.GetMember(ctx, guildID, "user-1"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected the user's membership to be purged, got %v", err)
	}
}

func TestAddAudit_EvictsOldestBeyondMax(t *testing.T) {
	st, guildID, fakeClock := openTestStore(t)
	ctx := context.Background()

	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	settings.AuditMaxEntries = 2
	if _, err := st.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	var lastID string
	for i := 0; i < 3; i++ {
		entry, err := st.AddAudit(ctx, model.Audit{
			GuildID: guildID, Action: "test.action", ActorID: "admin", TargetID: "user-1",
			Data: map[string]any{"i": i}, CreatedAt: fakeClock.Now(),
		})
		if err != nil {
			t.Fatalf("AddAudit: %v", err)
		}
		lastID = entry.ID
		fakeClock.Advance(time.Second)
	}

	entries, err := st.ListAudit(ctx, guildID, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2 after eviction", len(entries))
	}
	if entries[0].ID != lastID {
		t.Fatalf("expected the most recent entry first, got %+v", entries[0])
	}
}

func TestUploadCRUD(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	channel, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "general", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	created, err := st.CreateUpload(ctx, model.Upload{ChannelID: channel.ID, AuthorID: "user-1", Name: "doc.pdf", Size: 42, MimeType: "application/pdf", URL: "/uploads/doc.pdf"})
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	got, err := st.GetUpload(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.Name != "doc.pdf" || got.Size != 42 {
		t.Fatalf("got %+v, want name=doc.pdf size=42", got)
	}
}

func TestProfileUpsert(t *testing.T) {
	st, _, fakeClock := openTestStore(t)
	ctx := context.Background()

	created, err := st.UpsertProfile(ctx, model.Profile{ID: "user-1", Username: "alice", CreatedAt: fakeClock.Now()})
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if created.Username != "alice" {
		t.Fatalf("got username %q, want alice", created.Username)
	}

	updated, err := st.UpsertProfile(ctx, model.Profile{ID: "user-1", Username: "alice2", CreatedAt: fakeClock.Now()})
	if err != nil {
		t.Fatalf("UpsertProfile (update): %v", err)
	}
	if updated.Username != "alice2" {
		t.Fatalf("got username %q, want alice2 after upsert", updated.Username)
	}

	got, err := st.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Username != "alice2" {
		t.Fatalf("got username %q, want alice2", got.Username)
	}
}

func TestUpdateChannelPositions_Reorders(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	a, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "a", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel a: %v", err)
	}
	b, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "b", Type: model.ChannelText})
	if err != nil {
		t.Fatalf("CreateChannel b: %v", err)
	}

	err = st.UpdateChannelPositions(ctx, guildID, []model.ChannelPositionUpdate{
		{ID: a.ID, Position: 1},
		{ID: b.ID, Position: 0},
	})
	if err != nil {
		t.Fatalf("UpdateChannelPositions: %v", err)
	}

	list, err := st.ListChannels(ctx, guildID)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	positions := map[string]int{}
	for _, c := range list {
		positions[c.ID] = c.Position
	}
	if positions[a.ID] != 1 || positions[b.ID] != 0 {
		t.Fatalf("got positions %+v, want a=1 b=0", positions)
	}
}

func TestCreateChannel_RejectsCategoryNestedInsideCategory(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	outer, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "outer", Type: model.ChannelCategory})
	if err != nil {
		t.Fatalf("CreateChannel outer: %v", err)
	}

	_, err = st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "inner", Type: model.ChannelCategory, CategoryID: outer.ID})
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected Validation error nesting a category under a category, got %v", err)
	}
}

func TestUpdateChannelPositions_RejectsAssigningCategoryToACategory(t *testing.T) {
	st, guildID, _ := openTestStore(t)
	ctx := context.Background()

	outer, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "outer", Type: model.ChannelCategory})
	if err != nil {
		t.Fatalf("CreateChannel outer: %v", err)
	}
	inner, err := st.CreateChannel(ctx, model.Channel{GuildID: guildID, Name: "inner", Type: model.ChannelCategory})
	if err != nil {
		t.Fatalf("CreateChannel inner: %v", err)
	}

	err = st.UpdateChannelPositions(ctx, guildID, []model.ChannelPositionUpdate{
		{ID: inner.ID, Position: 0, HasCategoryID: true, CategoryID: outer.ID},
	})
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected Validation error reparenting a category under a category, got %v", err)
	}
}
