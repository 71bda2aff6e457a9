package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/identity"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/store"
)

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
	gw        *Gateway
	store     *store.Store
	wsURL     string
	guildID   string
	channelID string
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
	cfg := &config.Config{ClientOrigins: []string{}}

	gw := New(st, perm, resolver, cfg, fakeClock, nil)

	wsSrv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	t.Cleanup(wsSrv.Close)

	return &testHarness{
		gw:        gw,
		store:     st,
		wsURL:     "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		guildID:   guildID,
		channelID: channelID,
		authority: fa,
	}
}

func (h *testHarness) authAs(t *testing.T, token, userID string) {
	t.Helper()
	h.authority.users[token] = identity.User{ID: userID, Username: userID}
}

func (h *testHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, inboundEnvelope{ID: id, Type: eventType, Data: raw}); err != nil {
		t.Fatalf("writing %s: %v", eventType, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) outboundEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var env outboundEnvelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	return env
}

func TestConnect_JoinsUserAndGuildRooms(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	conn := h.dial(t, "tok-1")

	h.gw.Broadcast("guild:"+h.guildID, "settings:update", map[string]string{"ok": "1"})
	env := recv(t, conn)
	if env.Type != "settings:update" {
		t.Fatalf("expected settings:update, got %+v", env)
	}
}

func TestChannelJoin_GrantedByDefault(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	conn := h.dial(t, "tok-1")

	send(t, conn, "req-1", "channel:join", channelJoinPayload{ChannelID: h.channelID})
	env := recv(t, conn)
	if env.ID != "req-1" || env.Error != "" {
		t.Fatalf("expected successful ack, got %+v", env)
	}
}

func TestMessageSend_BroadcastsToChannelRoom(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	h.authAs(t, "tok-2", "user-2")
	sender := h.dial(t, "tok-1")
	listener := h.dial(t, "tok-2")

	send(t, listener, "join-1", "channel:join", channelJoinPayload{ChannelID: h.channelID})
	recv(t, listener) // ack for the join

	send(t, sender, "send-1", "message:send", messageSendPayload{ChannelID: h.channelID, Content: "hello"})
	ack := recv(t, sender)
	if ack.ID != "send-1" || ack.Error != "" {
		t.Fatalf("expected successful send ack, got %+v", ack)
	}

	broadcast := recv(t, listener)
	if broadcast.Type != "message:new" {
		t.Fatalf("expected message:new, got %+v", broadcast)
	}
}

func TestMessageSend_RejectsEmptyContent(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	conn := h.dial(t, "tok-1")

	send(t, conn, "send-1", "message:send", messageSendPayload{ChannelID: h.channelID})
	ack := recv(t, conn)
	if ack.Error == "" {
		t.Fatalf("expected an error for empty content, got %+v", ack)
	}
}

func TestTyping_ExcludesSender(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	h.authAs(t, "tok-2", "user-2")
	sender := h.dial(t, "tok-1")
	listener := h.dial(t, "tok-2")

	send(t, listener, "join-1", "channel:join", channelJoinPayload{ChannelID: h.channelID})
	recv(t, listener)
	send(t, sender, "join-2", "channel:join", channelJoinPayload{ChannelID: h.channelID})
	recv(t, sender)

	send(t, sender, "", "typing:start", typingPayload{ChannelID: h.channelID})

	got := recv(t, listener)
	if got.Type != "typing:start" {
		t.Fatalf("expected typing:start fan-out, got %+v", got)
	}
}

func TestBannedUser_ReceivesAuthBannedAndDisconnects(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "banned-user")
	ctx := context.Background()
	if _, err := h.store.AddBan(ctx, model.Ban{UserID: "banned-user", Reason: "test"}); err != nil {
		t.Fatalf("adding ban: %v", err)
	}

	conn := h.dial(t, "tok-1")
	env := recv(t, conn)
	if env.Type != "auth:banned" {
		t.Fatalf("expected auth:banned, got %+v", env)
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &env); err == nil {
		t.Fatalf("expected connection to be closed after auth:banned")
	}
}

func TestVoiceEvent_ReturnsErrorWithNoCoordinatorConfigured(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	conn := h.dial(t, "tok-1")

	send(t, conn, "voice-1", "voice:join", map[string]string{"channelId": "any"})
	ack := recv(t, conn)
	if ack.Error == "" {
		t.Fatalf("expected an error with no voice coordinator wired, got %+v", ack)
	}
}

func TestUnknownEventType_RejectedWithValidationError(t *testing.T) {
	h := newTestHarness(t)
	h.authAs(t, "tok-1", "user-1")
	conn := h.dial(t, "tok-1")

	send(t, conn, "req-1", "not:a:real:event", map[string]string{})
	ack := recv(t, conn)
	if ack.Error == "" {
		t.Fatalf("expected a validation error, got %+v", ack)
	}
}

func TestConnect_MissingToken_Rejected(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial without a token to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
