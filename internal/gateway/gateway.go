// Package gateway implements the community node's realtime socket
// layer (§4.5): a single coder/websocket endpoint that fans channel,
// guild, and voice events out to every connected client interested in
// them. The gateway is single-threaded per event in the sense that no
// handler blocks on anything but a Store or voice coordinator call;
// dispatch itself runs one goroutine per socket, same as the read loop
// grounded on the reference stack's own streamEvents pattern.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/identity"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/ratelimit"
	"github.com/remus-node/remus/internal/roomkey"
	"github.com/remus-node/remus/internal/store"
)

// disconnectEvents names outbound event types that terminate the
// receiving socket once delivered: the gateway is the only thing
// holding the connection, so a server-initiated kick or ban has to be
// enforced here rather than trusted to a well-behaved client.
var disconnectEvents = map[string]bool{
	"guild:kicked": true,
	"auth:banned":  true,
}

// VoiceInbound is one voice:* event forwarded to the voice
// coordinator, identified by the socket's stable session id rather
// than the socket itself so the coordinator never needs to import this
// package.
type VoiceInbound struct {
	UserID    string
	SessionID string
	Type      string
	Data      []byte
}

// VoiceCoordinator is implemented by the voice package (C6). The
// gateway forwards every voice:* inbound event and the terminal
// disconnect notification to it; the coordinator answers acks and
// drives its own presence/producer broadcasts through the Broadcaster
// it was constructed with (ordinarily this same Gateway).
type VoiceCoordinator interface {
	Dispatch(ctx context.Context, in VoiceInbound) (any, error)
	Leave(userID, sessionID string)
	Snapshot(channelID string) any
}

type noopVoiceCoordinator struct{}

func (noopVoiceCoordinator) Dispatch(context.Context, VoiceInbound) (any, error) {
	return nil, apperr.New(apperr.Internal, "voice coordinator not configured")
}
func (noopVoiceCoordinator) Leave(string, string)     {}
func (noopVoiceCoordinator) Snapshot(string) any       { return voiceSnapshot{} }

// Gateway holds one process-wide room index plus the dependencies
// event handlers need. Rooms are guarded by a single mutex: fan-out
// order only has to be preserved within a room, not across the whole
// gateway, so one lock covering the whole index is simpler than a
// lock per room and cheap enough at single-node scale.
type Gateway struct {
	store    *store.Store
	perm     *permission.Engine
	identity *identity.Resolver
	cfg      *config.Config
	clock    clock.Clock
	logger   *slog.Logger

	limiters map[string]*ratelimit.Limiter

	voice VoiceCoordinator

	mu    sync.Mutex
	rooms map[string]map[*Socket]struct{}
}

// New builds a Gateway. The voice coordinator is wired later via
// SetVoiceCoordinator once C6 has been constructed, mirroring how
// httpapi.Server takes its Broadcaster after the fact.
func New(st *store.Store, perm *permission.Engine, resolver *identity.Resolver, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		store:    st,
		perm:     perm,
		identity: resolver,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		voice:    noopVoiceCoordinator{},
		rooms:    make(map[string]map[*Socket]struct{}),
		limiters: map[string]*ratelimit.Limiter{
			// 10 joins per 60s per user, per §4.5's socket-level
			// rate-limiting example.
			"voice:join": ratelimit.NewPerWindow(10, 60),
			// generous enough not to interfere with normal typing
			// indicators, tight enough to blunt a scripted flood.
			"typing":        ratelimit.NewPerWindow(20, 10),
			"message:send":  ratelimit.NewPerWindow(30, 10),
			"channel:join":  ratelimit.NewPerWindow(30, 10),
			"guild:joinRoom": ratelimit.NewPerWindow(10, 10),
		},
	}
}

// SetVoiceCoordinator wires the voice coordinator in once it has been
// constructed.
func (g *Gateway) SetVoiceCoordinator(v VoiceCoordinator) { g.voice = v }

// allow applies the named action's rate limit to userID; actions with
// no configured limiter are unlimited.
func (g *Gateway) allow(action, userID string) bool {
	limiter, ok := g.limiters[action]
	if !ok {
		return true
	}
	return limiter.Allow(action + ":" + userID)
}

// ServeHTTP upgrades the request to a websocket connection and runs
// the socket's read loop until it disconnects. Authentication happens
// before the upgrade, over the plain HTTP request, since the bearer
// token travels as a query parameter (browsers cannot attach a custom
// header to the websocket handshake) rather than the Authorization
// header the REST surface uses.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	user, ok, err := g.identity.Resolve(ctx, token)
	if err != nil {
		http.Error(w, "authority unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns(),
	})
	if err != nil {
		return
	}

	sock := newSocket(uuid.NewString(), user.ID, conn)
	defer g.disconnect(sock)

	guildID, err := g.store.NodeGuildID(ctx)
	if err != nil {
		g.logger.Error("resolving node guild for socket", "error", err)
		sock.close(websocket.StatusInternalError, "internal error")
		return
	}
	if _, err := g.store.UpsertProfile(ctx, model.Profile{ID: user.ID, Username: user.Username, Email: user.Email}); err != nil {
		g.logger.Warn("upserting profile on connect", "error", err)
	}

	banned, err := g.store.IsBanned(ctx, user.ID)
	if err != nil {
		sock.close(websocket.StatusInternalError, "internal error")
		return
	}
	if banned {
		g.join(roomkey.User(user.ID), sock)
		g.Broadcast(roomkey.User(user.ID), "auth:banned", map[string]string{"reason": "banned"})
		return
	}

	if _, err := g.store.EnsureMember(ctx, guildID, user.ID); err != nil {
		g.logger.Error("ensuring member on connect", "error", err)
		sock.close(websocket.StatusInternalError, "internal error")
		return
	}

	g.join(roomkey.User(user.ID), sock)
	g.join(roomkey.Guild(guildID), sock)

	readCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g.readLoop(readCtx, sock)
}

// originPatterns covers the loopback hosts localhost and 127.0.0.1 and
// every REMUS_CLIENT_ORIGIN entry, so the same configuration governs
// both the REST surface and the socket handshake; coder/websocket
// matches these host patterns against the Origin header's host using
// filepath.Match semantics, so each configured origin contributes its
// host[:port] only.
func (g *Gateway) originPatterns() []string {
	patterns := make([]string, 0, len(g.cfg.ClientOrigins)+2)
	patterns = append(patterns, "localhost:*", "127.0.0.1:*")
	for _, origin := range g.cfg.ClientOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func (g *Gateway) join(room string, sock *Socket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.rooms[room]
	if !ok {
		members = make(map[*Socket]struct{})
		g.rooms[room] = members
	}
	members[sock] = struct{}{}
	sock.addRoom(room)
}

func (g *Gateway) leave(room string, sock *Socket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if members, ok := g.rooms[room]; ok {
		delete(members, sock)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
	sock.removeRoom(room)
}

func (g *Gateway) leaveAll(sock *Socket) {
	g.mu.Lock()
	rooms := sock.roomList()
	for _, room := range rooms {
		if members, ok := g.rooms[room]; ok {
			delete(members, sock)
			if len(members) == 0 {
				delete(g.rooms, room)
			}
		}
	}
	g.mu.Unlock()
}

// Broadcast implements httpapi.Broadcaster and the equivalent shape
// the voice coordinator depends on: it fans event out to every socket
// currently in room. guild:kicked and auth:banned additionally close
// the receiving socket once the message has been written, since the
// gateway is the only thing that can actually terminate a connection a
// misbehaving or disconnected client refuses to close itself.
func (g *Gateway) Broadcast(room, event string, payload any) {
	g.mu.Lock()
	members := g.rooms[room]
	targets := make([]*Socket, 0, len(members))
	for sock := range members {
		targets = append(targets, sock)
	}
	g.mu.Unlock()

	env := outboundEnvelope{Type: event, Data: payload}
	for _, sock := range targets {
		if err := sock.writeEnvelope(context.Background(), env); err != nil {
			g.logger.Debug("broadcast write failed", "room", room, "event", event, "error", err)
			continue
		}
		if disconnectEvents[event] {
			g.disconnect(sock)
		}
	}
}

// disconnect tears a socket out of every room it joined, notifies the
// voice coordinator so any in-progress producers/consumers are torn
// down, and closes the underlying connection. It is safe to call more
// than once for the same socket.
func (g *Gateway) disconnect(sock *Socket) {
	if !sock.markClosing() {
		return
	}
	g.leaveAll(sock)
	g.voice.Leave(sock.userID, sock.id)
	sock.close(websocket.StatusNormalClosure, "closed")
}

func (g *Gateway) readLoop(ctx context.Context, sock *Socket) {
	for {
		var env inboundEnvelope
		if err := sock.readEnvelope(ctx, &env); err != nil {
			return
		}
		g.dispatch(ctx, sock, env)
	}
}

// actionKey maps an inbound event type to the rate-limit bucket it
// draws from. Only voice:join carries §4.5's explicit 10/60s example;
// every other voice:* event (produce, consume, speaking updates) rides
// along unmetered since the voice coordinator's own state machine
// already rejects anything sent out of order.
func actionKey(eventType string) string {
	if strings.HasPrefix(eventType, "typing:") {
		return "typing"
	}
	return eventType
}
