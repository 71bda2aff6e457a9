package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/identity"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/store"
)

// fakeAuthority serves identity.Resolver's verify endpoint against an
// in-memory token table, so tests never depend on a real authority.
type fakeAuthority struct {
	users map[string]identity.User
}

func newFakeAuthority() (*httptest.Server, *fakeAuthority) {
	fa := &fakeAuthority{users: map[string]identity.User{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := fa.users[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]identity.User{"user": user})
	}))
	return srv, fa
}

type testHarness struct {
	server    *Server
	store     *store.Store
	guildID   string
	channelID string
	adminRole model.Role
	authority *fakeAuthority
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := store.Open(ctx, store.Config{Dir: t.TempDir(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guildID, err := st.NodeGuildID(ctx)
	if err != nil {
		t.Fatalf("resolving node guild: %v", err)
	}
	roles, err := st.ListRoles(ctx, guildID)
	if err != nil {
		t.Fatalf("listing roles: %v", err)
	}
	var adminRole model.Role
	for _, r := range roles {
		if r.Name == "Admin" {
			adminRole = r
		}
	}
	channels, err := st.ListChannels(ctx, guildID)
	if err != nil {
		t.Fatalf("listing channels: %v", err)
	}
	var channelID string
	for _, c := range channels {
		if c.Type == model.ChannelText {
			channelID = c.ID
		}
	}

	authoritySrv, fa := newFakeAuthority()
	t.Cleanup(authoritySrv.Close)

	resolver := identity.New(authoritySrv.URL, fakeClock)
	t.Cleanup(resolver.Close)

	perm := permission.New(st, fakeClock)

	cfg := &config.Config{
		FileLimitMB:   10,
		UploadsDir:    t.TempDir(),
		RuntimeDir:    t.TempDir(),
		ClientOrigins: []string{"https://client.example"},
	}

	srv := New(st, perm, resolver, cfg, nil)

	return &testHarness{
		server:    srv,
		store:     st,
		guildID:   guildID,
		channelID: channelID,
		adminRole: adminRole,
		authority: fa,
	}
}

// authAs registers token -> user with the fake authority and ensures
// the user is a guild member, optionally with the Admin role.
func (h *testHarness) authAs(t *testing.T, token, userID string, admin bool) {
	t.Helper()
	h.authority.users[token] = identity.User{ID: userID, Username: userID}
	if _, err := h.store.EnsureMember(context.Background(), h.guildID, userID); err != nil {
		t.Fatalf("ensuring member %s: %v", userID, err)
	}
	if admin {
		if err := h.store.SetMemberRoles(context.Background(), h.guildID, userID, []string{h.adminRole.ID}); err != nil {
			t.Fatalf("granting admin role to %s: %v", userID, err)
		}
	}
}

func (h *testHarness) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("GET", "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerInfo_Unauthenticated(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("GET", "/api/server/info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body serverInfoView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.ServerID == "" {
		t.Fatal("expected a non-empty serverId")
	}
}

func TestGuilds_RequireAuth(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("GET", "/api/guilds", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGuilds_List(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-alice", "alice", false)

	rec := h.do("GET", "/api/guilds", "tok-alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var guilds []guildView
	if err := json.Unmarshal(rec.Body.Bytes(), &guilds); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(guilds) != 1 {
		t.Fatalf("len(guilds) = %d, want 1", len(guilds))
	}
	if guilds[0].ID != h.guildID {
		t.Fatalf("guild id = %s, want %s", guilds[0].ID, h.guildID)
	}
}

func TestCreateGuild_Disabled(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("POST", "/api/guilds", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestChannels_CreateRequiresManageChannels(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-bob", "bob", false)

	body, _ := json.Marshal(createChannelRequest{Name: "general-2", Type: "text"})
	rec := h.do("POST", "/api/guilds/"+h.guildID+"/channels", "tok-bob", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body = %s, want 403", rec.Code, rec.Body.String())
	}
}

func TestChannels_CreateAsAdmin(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-admin", "admin-user", true)

	body, _ := json.Marshal(createChannelRequest{Name: "announcements", Type: "text"})
	rec := h.do("POST", "/api/guilds/"+h.guildID+"/channels", "tok-admin", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s, want 201", rec.Code, rec.Body.String())
	}
	var view channelView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if view.Name != "announcements" {
		t.Fatalf("name = %q, want announcements", view.Name)
	}
}

func TestChannels_CreateRejectsUnknownType(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-admin", "admin-user", true)

	body, _ := json.Marshal(createChannelRequest{Name: "x", Type: "bogus"})
	rec := h.do("POST", "/api/guilds/"+h.guildID+"/channels", "tok-admin", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMessages_SendAndList(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-carol", "carol", false)

	body, _ := json.Marshal(createMessageRequest{Content: "hello"})
	rec := h.do("POST", "/api/channels/"+h.channelID+"/messages", "tok-carol", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s, want 201", rec.Code, rec.Body.String())
	}

	rec = h.do("GET", "/api/channels/"+h.channelID+"/messages", "tok-carol", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var messages []messageView
	if err := json.Unmarshal(rec.Body.Bytes(), &messages); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Fatalf("messages = %+v, want one message with content 'hello'", messages)
	}
}

func TestMessages_RejectsOverLengthContent(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-carol", "carol", false)

	body, _ := json.Marshal(createMessageRequest{Content: strings.Repeat("a", model.MaxMessageContentLength+1)})
	rec := h.do("POST", "/api/channels/"+h.channelID+"/messages", "tok-carol", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMessages_DeleteRequiresManageMessages(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-dave", "dave", false)

	body, _ := json.Marshal(createMessageRequest{Content: "hi"})
	rec := h.do("POST", "/api/channels/"+h.channelID+"/messages", "tok-dave", body)
	var created messageView
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = h.do("DELETE", "/api/channels/"+h.channelID+"/messages/"+created.ID, "tok-dave", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMembers_KickRequiresHierarchy(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-eve", "eve", false)
	h.authAs(t, "tok-frank", "frank", false)

	// Both hold the same KICK_MEMBERS role, so eve passes the permission
	// check and is stopped only by frank's equal top position.
	mod, err := h.store.CreateRole(context.Background(), model.Role{GuildID: h.guildID, Name: "Moderator", Permissions: model.PermKickMembers, Position: 2})
	if err != nil {
		t.Fatalf("creating moderator role: %v", err)
	}
	for _, userID := range []string{"eve", "frank"} {
		if err := h.store.SetMemberRoles(context.Background(), h.guildID, userID, []string{mod.ID}); err != nil {
			t.Fatalf("assigning moderator role to %s: %v", userID, err)
		}
	}

	rec := h.do("POST", "/api/guilds/"+h.guildID+"/members/frank/kick", "tok-eve", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMembers_KickAsAdmin(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-admin", "admin-user", true)
	h.authAs(t, "tok-greg", "greg", false)

	rec := h.do("POST", "/api/guilds/"+h.guildID+"/members/greg/kick", "tok-admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s, want 200", rec.Code, rec.Body.String())
	}
	if _, err := h.store.GetMember(context.Background(), h.guildID, "greg"); err == nil {
		t.Fatal("expected greg to no longer be a member")
	}
}

func TestFileUpload_RejectsBlockedExtension(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-hank", "hank", false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("channelId", h.channelID)
	fw, _ := mw.CreateFormFile("file", "payload.exe")
	_, _ = fw.Write([]byte("MZ"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/files/upload", &buf)
	req.Header.Set("Authorization", "Bearer tok-hank")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s, want 400", rec.Code, rec.Body.String())
	}
}

func TestFileUpload_Accepted(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-ivy", "ivy", false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("channelId", h.channelID)
	fw, _ := mw.CreateFormFile("file", "photo.png")
	_, _ = fw.Write([]byte("not a real png but bytes are bytes"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/files/upload", &buf)
	req.Header.Set("Authorization", "Bearer tok-ivy")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s, want 201", rec.Code, rec.Body.String())
	}
}

func TestAdminSurface_HiddenWithoutKey(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("GET", "/api/admin/guilds/"+h.guildID+"/channels", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminSurface_RejectsWrongKey(t *testing.T) {
	h := newTestHarness(t)
	h.server.cfg.AdminKey = "supersecret"

	req := httptest.NewRequest("GET", "/api/admin/guilds/"+h.guildID+"/channels", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Remus-Admin-Key", "wrong")
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminSurface_AcceptsLoopbackWithKey(t *testing.T) {
	h := newTestHarness(t)
	h.server.cfg.AdminKey = "supersecret"

	req := httptest.NewRequest("GET", "/api/admin/guilds/"+h.guildID+"/channels", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Remus-Admin-Key", "supersecret")
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s, want 200", rec.Code, rec.Body.String())
	}
}

func TestAdminSurface_RejectsNonLoopback(t *testing.T) {
	h := newTestHarness(t)
	h.server.cfg.AdminKey = "supersecret"

	req := httptest.NewRequest("GET", "/api/admin/guilds/"+h.guildID+"/channels", nil)
	req.RemoteAddr = "203.0.113.5:9999"
	req.Header.Set("X-Remus-Admin-Key", "supersecret")
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCORS_LoopbackAlwaysAllowed(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want the loopback origin echoed back", got)
	}
}

func TestCORS_UnknownOriginRejected(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestSecurityHeaders_SetOnEveryResponse(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do("GET", "/api/health", "", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
}
