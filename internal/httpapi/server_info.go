package httpapi

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/remus-node/remus/internal/config"
)

type serverInfoView struct {
	Name           string             `json:"name"`
	PublicURL      string             `json:"publicUrl"`
	ServerID       string             `json:"serverId"`
	Region         string             `json:"region"`
	MainBackendURL string             `json:"mainBackendUrl"`
	IconURL        string             `json:"iconUrl,omitempty"`
	ICEServers     []config.ICEServer `json:"iceServers"`
}

// handleServerInfo serves the unauthenticated node metadata clients
// need before they can even authenticate: where the identity authority
// is, and what ICE servers to use for voice.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	guildID, err := s.nodeGuildID(r.Context())
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := serverInfoView{
		Name:           s.cfg.ServerName,
		PublicURL:      s.cfg.PublicURL,
		ServerID:       shortID(guildID),
		Region:         s.cfg.Region,
		MainBackendURL: s.cfg.MainBackendURL,
		ICEServers:     s.cfg.ICEServers,
	}
	if s.cfg.ServerIcon != "" {
		view.IconURL = "/api/server/icon"
	}
	writeJSON(s.logger, w, http.StatusOK, view)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// handleServerIcon serves the configured server icon file with a MIME
// type inferred from its extension, per guessContentType's convention
// of falling back to application/octet-stream for anything unknown.
func (s *Server) handleServerIcon(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ServerIcon == "" {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(s.cfg.ServerIcon)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", guessContentType(s.cfg.ServerIcon))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// guessContentType infers MIME type from a filename extension, falling
// back to application/octet-stream for anything unrecognized.
func guessContentType(filename string) string {
	extension := strings.ToLower(filepath.Ext(filename))
	if extension == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(extension)
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}
