// Package httpapi implements the community node's HTTP control plane
// (§4.4 and §6): the REST surface over the guild/channel/role/member
// model, file uploads, static asset serving, and the loopback-gated
// admin mirror surface. It is built directly on net/http, matching the
// teacher's own routing convention of a plain http.ServeMux with Go's
// method+pattern route strings — nothing in the reference stack pulls
// in a third-party router.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/identity"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/ratelimit"
	"github.com/remus-node/remus/internal/store"
)

// Broadcaster fans a socket event out to a room. The realtime gateway
// implements this; a Server built without one (e.g. in tests) simply
// drops the event.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, string, any) {}

// VoiceModerator exposes §4.6's moderation hooks to the HTTP layer.
// The voice coordinator (C6) implements this; a Server built without
// one is a no-op, matching noopBroadcaster's role for the gateway.
type VoiceModerator interface {
	ForceMuteUser(userID string)
	MoveUser(userID, channelID string)
}

type noopVoiceModerator struct{}

func (noopVoiceModerator) ForceMuteUser(string)    {}
func (noopVoiceModerator) MoveUser(string, string) {}

// Server holds every dependency the HTTP handlers need.
type Server struct {
	store    *store.Store
	perm     *permission.Engine
	identity *identity.Resolver
	cfg      *config.Config
	logger   *slog.Logger

	broadcaster    Broadcaster
	voiceModerator VoiceModerator
	uploadLimiter  *ratelimit.Limiter

	guildIDOnce sync.Once
	guildID     string
	guildIDErr  error
}

// New builds a Server. Broadcaster may be nil until the realtime
// gateway is constructed; call SetBroadcaster once it is.
func New(st *store.Store, perm *permission.Engine, resolver *identity.Resolver, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:          st,
		perm:           perm,
		identity:       resolver,
		cfg:            cfg,
		logger:         logger,
		broadcaster:    noopBroadcaster{},
		voiceModerator: noopVoiceModerator{},
		uploadLimiter:  ratelimit.NewPerWindow(30, 60),
	}
}

// SetBroadcaster wires the realtime gateway in once it has been
// constructed; cmd/remus-node does this after both are built, since
// the gateway itself depends on the store and permission engine that
// New already received.
func (s *Server) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetVoiceModerator wires the voice coordinator's moderation hooks in
// once it has been constructed.
func (s *Server) SetVoiceModerator(v VoiceModerator) { s.voiceModerator = v }

// nodeGuildID returns the node's single guild id, resolved once and
// cached: the guild is created during store bring-up and never
// changes for the process lifetime.
func (s *Server) nodeGuildID(ctx context.Context) (string, error) {
	s.guildIDOnce.Do(func() {
		s.guildID, s.guildIDErr = s.store.NodeGuildID(ctx)
	})
	return s.guildID, s.guildIDErr
}

// Routes assembles the full mux: public health/info endpoints, the
// authenticated guild/channel/role/member/message surface, static
// upload/icon serving, and the admin mirror, each behind the security
// header and CORS wrapper required by §4.4.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/server/info", s.handleServerInfo)
	mux.HandleFunc("GET /api/server/icon", s.handleServerIcon)

	mux.HandleFunc("GET /api/guilds", s.chain(s.handleListGuilds, s.authenticate, s.notBanned))
	mux.HandleFunc("POST /api/guilds", s.handleCreateGuildDisabled)
	mux.HandleFunc("POST /api/guilds/{g}/join", s.chain(s.handleJoinGuild, s.authenticate, s.notBanned))
	mux.HandleFunc("POST /api/guilds/{g}/leave", s.chain(s.handleLeaveGuild, s.authenticate, s.notBanned))

	mux.HandleFunc("GET /api/guilds/{g}/channels", s.chain(s.handleListChannels, s.authenticate, s.notBanned, s.requirePermission(permViewChannels, "")))
	mux.HandleFunc("POST /api/guilds/{g}/channels", s.chain(s.handleCreateChannel, s.authenticate, s.notBanned, s.requirePermission(permManageChannels, "")))
	mux.HandleFunc("PATCH /api/guilds/{g}/channels/order", s.chain(s.handleReorderChannels, s.authenticate, s.notBanned, s.requirePermission(permManageChannels, "")))
	mux.HandleFunc("PATCH /api/channels/{c}", s.chain(s.handleUpdateChannel, s.authenticate, s.notBanned, s.requirePermission(permManageChannels, "c")))
	mux.HandleFunc("DELETE /api/channels/{c}", s.chain(s.handleDeleteChannel, s.authenticate, s.notBanned, s.requirePermission(permManageChannels, "c")))

	mux.HandleFunc("GET /api/guilds/{g}/roles", s.chain(s.handleListRoles, s.authenticate, s.notBanned))
	mux.HandleFunc("POST /api/guilds/{g}/roles", s.chain(s.handleCreateRole, s.authenticate, s.notBanned, s.requirePermission(permManageRoles, "")))
	mux.HandleFunc("PATCH /api/roles/{r}", s.chain(s.handleUpdateRole, s.authenticate, s.notBanned, s.requirePermission(permManageRoles, "")))
	mux.HandleFunc("DELETE /api/roles/{r}", s.chain(s.handleDeleteRole, s.authenticate, s.notBanned, s.requirePermission(permManageRoles, "")))
	mux.HandleFunc("POST /api/roles/{r}/icon", s.chain(s.handleUploadRoleIcon, s.authenticate, s.notBanned, s.requirePermission(permManageRoles, "")))

	mux.HandleFunc("GET /api/guilds/{g}/members", s.chain(s.handleListMembers, s.authenticate, s.notBanned))
	mux.HandleFunc("PATCH /api/guilds/{g}/members/{u}/nickname", s.chain(s.handleUpdateNickname, s.authenticate, s.notBanned))
	mux.HandleFunc("PATCH /api/guilds/{g}/members/{u}/roles", s.chain(s.handleUpdateMemberRoles, s.authenticate, s.notBanned, s.requirePermission(permManageRoles, "")))
	mux.HandleFunc("PATCH /api/guilds/{g}/members/{u}/timeout", s.chain(s.handleUpdateMemberTimeout, s.authenticate, s.notBanned, s.requirePermission(permTimeoutMembers, "")))
	mux.HandleFunc("PATCH /api/guilds/{g}/members/{u}/voice", s.chain(s.handleUpdateMemberVoice, s.authenticate, s.notBanned, s.requirePermission(permVoiceMuteMembers, "")))
	mux.HandleFunc("POST /api/guilds/{g}/members/{u}/kick", s.chain(s.handleKickMember, s.authenticate, s.notBanned, s.requirePermission(permKickMembers, "")))
	mux.HandleFunc("POST /api/guilds/{g}/members/{u}/ban", s.chain(s.handleBanMember, s.authenticate, s.notBanned, s.requirePermission(permBanMembers, "")))
	mux.HandleFunc("POST /api/guilds/{g}/members/{u}/move", s.chain(s.handleMoveMember, s.authenticate, s.notBanned, s.requirePermission(permVoiceMoveMembers, "")))

	mux.HandleFunc("GET /api/guilds/{g}/audit", s.chain(s.handleListAudit, s.authenticate, s.notBanned, s.requirePermission(permViewAuditLog, "")))
	mux.HandleFunc("GET /api/guilds/{g}/settings", s.chain(s.handleGetSettings, s.authenticate, s.notBanned, s.requirePermission(permManageServer, "")))
	mux.HandleFunc("PATCH /api/guilds/{g}/settings", s.chain(s.handleUpdateSettings, s.authenticate, s.notBanned, s.requirePermission(permManageServer, "")))

	mux.HandleFunc("GET /api/channels/{c}/messages", s.chain(s.handleListMessages, s.authenticate, s.notBanned, s.requirePermission(permReadHistory, "c")))
	mux.HandleFunc("POST /api/channels/{c}/messages", s.chain(s.handleCreateMessage, s.authenticate, s.notBanned, s.requirePermission(permSendMessages, "c")))
	mux.HandleFunc("DELETE /api/channels/{c}/messages/{m}", s.chain(s.handleDeleteMessage, s.authenticate, s.notBanned, s.requirePermission(permManageMessages, "c")))

	mux.HandleFunc("POST /api/files/upload", s.chain(s.handleFileUpload, s.authenticate, s.notBanned))

	mux.Handle("GET /uploads/", s.staticHandler(s.cfg.UploadsDir, "/uploads/"))
	mux.Handle("GET /role-icons/", s.staticHandler(roleIconsDir(s.cfg), "/role-icons/"))

	s.mountAdmin(mux)

	return s.wrapGlobal(mux)
}

// wrapGlobal applies the response-level concerns that must run on
// every request regardless of route: security headers, CORS, and (for
// completeness against a misbehaving handler) a hard body-size ceiling
// handled per-handler via decodeJSON/http.MaxBytesReader instead, since
// multipart bodies need a different limit than JSON ones.
func (s *Server) wrapGlobal(next http.Handler) http.Handler {
	return s.securityHeaders(s.cors(next))
}

func roleIconsDir(cfg *config.Config) string {
	return cfg.RuntimeDir + "/role-icons"
}

// requestTimeout is a 30-second bound for a single handler's
// Store/authority round trip. No handler in this package applies it,
// and cmd/remus-node sets no read/write timeouts on its http.Server;
// identity verification carries its own timeout internally.
const requestTimeout = 30 * time.Second
