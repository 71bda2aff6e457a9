// Package config loads the community node's environment-driven
// configuration (§6), validates it with accumulate-then-report
// semantics matching the teacher's convention, and optionally layers
// in a YAML role-template file and a jsonc-tolerant ICE server list.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// ICEServer mirrors a WebRTC RTCIceServer entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config is the fully resolved, validated node configuration.
type Config struct {
	Port int

	MainBackendURL string

	ServerName  string
	PublicURL   string
	Region      string
	ServerIcon  string

	ClientOrigins    []string
	AllowFileOrigin  bool
	AllowNullOrigin  bool

	FileLimitMB int
	UploadsDir  string

	MediaListenIP     string
	MediaAnnouncedIP  string
	MediaMinPort      int
	MediaMaxPort      int
	ICEServers        []ICEServer

	DBPath     string
	RuntimeDir string

	AdminKey string
}

// defaultFileLimitMB, defaultMediaMinPort, and defaultMediaMaxPort
// match the working defaults a self-hosted single-node deployment
// needs with zero configuration beyond REMUS_MAIN_BACKEND_URL.
const (
	defaultPort           = 8787
	defaultFileLimitMB    = 25
	defaultMediaMinPort   = 40000
	defaultMediaMaxPort   = 40100
	defaultUploadsDirName = "uploads"
	defaultRuntimeDirName = "."
)

// Load reads every recognized environment variable, applies defaults,
// and validates the result. All validation errors are collected and
// returned together via errors.Join, rather than failing on the first
// one, so a misconfigured deployment sees every problem in one pass.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envInt("PORT", defaultPort),
		MainBackendURL:   strings.TrimSuffix(os.Getenv("REMUS_MAIN_BACKEND_URL"), "/"),
		ServerName:       envOr("REMUS_SERVER_NAME", "Remus Community Node"),
		PublicURL:        os.Getenv("REMUS_PUBLIC_URL"),
		Region:           envOr("REMUS_REGION", "local"),
		ServerIcon:       os.Getenv("REMUS_SERVER_ICON"),
		ClientOrigins:    splitCommaList(os.Getenv("REMUS_CLIENT_ORIGIN")),
		AllowFileOrigin:  envBool("REMUS_ALLOW_FILE_ORIGIN", false),
		AllowNullOrigin:  envBool("REMUS_ALLOW_NULL_ORIGIN", false),
		FileLimitMB:      envInt("REMUS_FILE_LIMIT_MB", defaultFileLimitMB),
		UploadsDir:       envOr("REMUS_UPLOADS_DIR", defaultUploadsDirName),
		MediaListenIP:    envOr("REMUS_MEDIA_LISTEN_IP", "0.0.0.0"),
		MediaAnnouncedIP: os.Getenv("REMUS_MEDIA_ANNOUNCED_IP"),
		MediaMinPort:     envInt("REMUS_MEDIA_MIN_PORT", defaultMediaMinPort),
		MediaMaxPort:     envInt("REMUS_MEDIA_MAX_PORT", defaultMediaMaxPort),
		DBPath:           os.Getenv("REMUS_DB_PATH"),
		RuntimeDir:       envOr("REMUS_RUNTIME_DIR", defaultRuntimeDirName),
		AdminKey:         os.Getenv("REMUS_ADMIN_KEY"),
	}

	iceServers, iceErr := parseICEServers(os.Getenv("REMUS_ICE_SERVERS"))
	if iceErr != nil {
		iceErr = fmt.Errorf("parsing REMUS_ICE_SERVERS: %w", iceErr)
	}
	cfg.ICEServers = iceServers

	if err := errors.Join(iceErr, cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors, matching the
// teacher's accumulate-then-errors.Join convention.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.MainBackendURL == "" {
		errs = append(errs, errors.New("REMUS_MAIN_BACKEND_URL is required"))
	} else if !isValidURL(c.MainBackendURL) {
		errs = append(errs, fmt.Errorf("REMUS_MAIN_BACKEND_URL must be an absolute URL, got %q", c.MainBackendURL))
	}
	if c.PublicURL != "" && !isValidURL(c.PublicURL) {
		errs = append(errs, fmt.Errorf("REMUS_PUBLIC_URL must be an absolute URL, got %q", c.PublicURL))
	}
	for _, origin := range c.ClientOrigins {
		if !isValidURL(origin) {
			errs = append(errs, fmt.Errorf("REMUS_CLIENT_ORIGIN entry %q is not a valid origin URL", origin))
		}
	}
	if c.FileLimitMB <= 0 {
		errs = append(errs, fmt.Errorf("REMUS_FILE_LIMIT_MB must be positive, got %d", c.FileLimitMB))
	}
	if c.MediaMinPort <= 0 || c.MediaMaxPort <= 0 || c.MediaMinPort >= c.MediaMaxPort {
		errs = append(errs, fmt.Errorf("REMUS_MEDIA_MIN_PORT/REMUS_MEDIA_MAX_PORT is not a valid range: %d-%d", c.MediaMinPort, c.MediaMaxPort))
	}
	if c.UploadsDir == "" {
		errs = append(errs, errors.New("REMUS_UPLOADS_DIR must not be empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// parseICEServers tolerantly parses REMUS_ICE_SERVERS as JSON-with-comments,
// so operators can annotate their turn/stun server list in the
// environment file without a strict-JSON linter rejecting it.
func parseICEServers(raw string) ([]ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	clean := jsonc.ToJSON([]byte(raw))
	var servers []ICEServer
	if err := json.Unmarshal(clean, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// isValidURL reports whether raw parses as an absolute URL with a
// scheme and host, e.g. "https://auth.example.com" — rejecting bare
// hostnames and paths so a typo fails at startup rather than at the
// first outbound request.
func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
