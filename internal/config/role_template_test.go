package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRoleTemplate_Unset(t *testing.T) {
	t.Setenv("REMUS_ROLE_TEMPLATE", "")

	roles, err := LoadRoleTemplate()
	if err != nil || roles != nil {
		t.Fatalf("want nil, nil when unset, got %v, %v", roles, err)
	}
}

func TestLoadRoleTemplate_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	doc := `
roles:
  - name: Moderator
    color: 0x5865F2
    hoist: true
    permissions:
      - KICK_MEMBERS
      - BAN_MEMBERS
      - TIMEOUT_MEMBERS
      - MANAGE_MESSAGES
  - name: DJ
    permissions:
      - VOICE_MUTE_MEMBERS
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REMUS_ROLE_TEMPLATE", path)

	roles, err := LoadRoleTemplate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 2 || roles[0].Name != "Moderator" || !roles[0].Hoist {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestLoadRoleTemplate_UnknownPermissionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	doc := `
roles:
  - name: Broken
    permissions:
      - NOT_A_REAL_PERMISSION
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REMUS_ROLE_TEMPLATE", path)

	if _, err := LoadRoleTemplate(); err == nil {
		t.Fatal("want an error for an unknown permission name")
	}
}

func TestLoadRoleTemplate_MissingNameRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	doc := `
roles:
  - permissions: []
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REMUS_ROLE_TEMPLATE", path)

	if _, err := LoadRoleTemplate(); err == nil {
		t.Fatal("want an error for a role with no name")
	}
}
