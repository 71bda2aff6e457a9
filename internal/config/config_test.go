package config

import (
	"strings"
	"testing"
)

func TestParseICEServers(t *testing.T) {
	raw := `[
		// primary STUN server
		{"urls": ["stun:stun.example.com:3478"]},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "p"},
	]`

	servers, err := parseICEServers(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("want 2 servers, got %d", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("unexpected turn server: %+v", servers[1])
	}
}

func TestParseICEServers_Empty(t *testing.T) {
	servers, err := parseICEServers("")
	if err != nil || servers != nil {
		t.Fatalf("want nil, nil for empty input, got %v, %v", servers, err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Port:         -1,
		FileLimitMB:  0,
		MediaMinPort: 100,
		MediaMaxPort: 50,
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("want a validation error")
	}
	msg := err.Error()
	for _, want := range []string{"PORT", "REMUS_MAIN_BACKEND_URL", "REMUS_FILE_LIMIT_MB", "REMUS_MEDIA_MIN_PORT", "REMUS_UPLOADS_DIR"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to mention %q, got: %s", want, msg)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Port:           8787,
		MainBackendURL: "https://auth.example.com",
		FileLimitMB:    25,
		MediaMinPort:   40000,
		MediaMaxPort:   40100,
		UploadsDir:     "uploads",
	}
}

func TestValidate_RejectsNonURLBackendURL(t *testing.T) {
	cfg := validConfig()
	cfg.MainBackendURL = "not-a-url"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "REMUS_MAIN_BACKEND_URL") {
		t.Fatalf("want a REMUS_MAIN_BACKEND_URL error, got %v", err)
	}
}

func TestValidate_RejectsNonURLPublicURL(t *testing.T) {
	cfg := validConfig()
	cfg.PublicURL = "definitely not a url"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "REMUS_PUBLIC_URL") {
		t.Fatalf("want a REMUS_PUBLIC_URL error, got %v", err)
	}
}

func TestValidate_AllowsEmptyPublicURL(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error with PublicURL left empty: %v", err)
	}
}

func TestValidate_RejectsInvalidClientOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.ClientOrigins = []string{"https://good.example.com", "bad-origin"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "REMUS_CLIENT_ORIGIN") {
		t.Fatalf("want a REMUS_CLIENT_ORIGIN error, got %v", err)
	}
}

func TestValidate_RejectsEqualMediaMinAndMaxPort(t *testing.T) {
	cfg := validConfig()
	cfg.MediaMinPort = 40000
	cfg.MediaMaxPort = 40000
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "REMUS_MEDIA_MIN_PORT") {
		t.Fatalf("want a zero-width media port range to be rejected, got %v", err)
	}
}
