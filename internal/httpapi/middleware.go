package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// middlewareFunc wraps a terminal handler with one pipeline stage. The
// stage is responsible for calling next itself; a stage that rejects a
// request simply does not call next.
type middlewareFunc func(http.HandlerFunc) http.HandlerFunc

// chain composes stages in the order given (first stage runs first),
// implementing §4.4's authenticate → notBanned → permissionCheck →
// handler pipeline as ordinary function composition rather than a
// framework-provided router feature — grounded on the header
// middleware's func(http.Handler) http.Handler shape found in the
// broader reference stack, adapted to http.HandlerFunc since every
// stage here needs typed access to the terminal handler for early
// returns.
func (s *Server) chain(handler http.HandlerFunc, stages ...middlewareFunc) http.HandlerFunc {
	for i := len(stages) - 1; i >= 0; i-- {
		handler = stages[i](handler)
	}
	return handler
}

// authenticate implements §4.4's first pipeline stage: extract a
// bearer token, resolve it through C3, and reject with 401 (or 503 if
// the authority itself is unreachable) on failure. A resolved user's
// profile is upserted so profiles.go's last-seen tracking and
// display-name lookups always have a row to join against.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(s.logger, w, r, apperr.Unauthenticatedf("missing bearer token"))
			return
		}

		user, ok, err := s.identity.Resolve(r.Context(), token)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
		if !ok {
			writeError(s.logger, w, r, apperr.Unauthenticatedf("invalid token"))
			return
		}

		if _, err := s.store.UpsertProfile(r.Context(), model.Profile{ID: user.ID, Username: user.Username, Email: user.Email}); err != nil {
			writeError(s.logger, w, r, err)
			return
		}

		next(w, r.WithContext(withUser(r.Context(), user)))
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// notBanned implements §4.4's second pipeline stage.
func (s *Server) notBanned(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := userFromContext(r.Context())
		banned, err := s.store.IsBanned(r.Context(), user.ID)
		if err != nil {
			writeError(s.logger, w, r, err)
			return
		}
		if banned {
			writeError(s.logger, w, r, apperr.Forbiddenf("banned"))
			return
		}
		next(w, r)
	}
}

// requirePermission implements §4.4's permissionCheck(bit, channel?)
// stage. pathParam, when non-empty, names the path value holding the
// channel id the check should evaluate overrides against (e.g. "c" for
// /api/channels/{c}); an empty pathParam checks guild-wide permissions
// with no channel/category overrides applied.
func (s *Server) requirePermission(bit model.Bitmask, pathParam string) middlewareFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			user, _ := userFromContext(r.Context())
			guildID, err := s.nodeGuildID(r.Context())
			if err != nil {
				writeError(s.logger, w, r, err)
				return
			}

			channelID := ""
			if pathParam != "" {
				channelID = r.PathValue(pathParam)
			}

			perms, err := s.perm.Effective(r.Context(), guildID, user.ID, channelID)
			if err != nil {
				writeError(s.logger, w, r, err)
				return
			}
			if !perms.Has(bit) {
				writeError(s.logger, w, r, apperr.Forbiddenf("missing required permission"))
				return
			}
			next(w, r)
		}
	}
}

// securityHeaders sets the fixed response headers required by §4.4 on
// every response, including HSTS when the request arrived over TLS.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:; media-src 'self'; connect-src 'self'")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// cors implements §4.4's origin policy: loopback origins are always
// allowed, the configured allowlist is honored, and null/file origins
// are allowed only when explicitly enabled.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Remus-Admin-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "null" {
		return s.cfg.AllowNullOrigin
	}
	if strings.HasPrefix(origin, "file://") {
		return s.cfg.AllowFileOrigin
	}
	if isLoopbackOrigin(origin) {
		return true
	}
	for _, allowed := range s.cfg.ClientOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		if r, ok2 := strings.CutPrefix(origin, "https://"); ok2 {
			rest, ok = r, true
		}
	}
	if !ok {
		return false
	}
	host := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host = rest[:i]
	}
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
	}
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// adminGate implements §4.4's admin-surface rule: both a loopback
// source IP and a matching X-Remus-Admin-Key header are required, and
// the surface is entirely disabled (404, not 403, to avoid confirming
// its existence) when no admin key is configured.
func (s *Server) adminGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			http.NotFound(w, r)
			return
		}
		if !isLoopbackAddr(r.RemoteAddr) {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Remus-Admin-Key") != s.cfg.AdminKey {
			writeError(s.logger, w, r, apperr.Forbiddenf("invalid admin key"))
			return
		}
		next(w, r.WithContext(withUser(r.Context(), adminActor)))
	}
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
