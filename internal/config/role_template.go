package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/remus-node/remus/internal/model"
)

// RoleTemplate describes one role to provision when a node's guild is
// first created. It mirrors the shape a deployment operator hand-writes
// into a YAML file referenced by REMUS_ROLE_TEMPLATE, for a caller of
// store.SeedRoleTemplate to provision roles beyond the bare
// @everyone/Admin pair internal/store seeds by default. cmd/remus-node
// does not load this file.
type RoleTemplate struct {
	Name        string   `yaml:"name"`
	Color       int      `yaml:"color"`
	Hoist       bool     `yaml:"hoist"`
	Permissions []string `yaml:"permissions"`
}

// roleTemplateFile is the top-level shape of the YAML document; roles
// are listed lowest-position first, matching how they read top-to-bottom
// in a hierarchy diagram.
type roleTemplateFile struct {
	Roles []RoleTemplate `yaml:"roles"`
}

// LoadRoleTemplate reads and validates the optional role-template file
// named by REMUS_ROLE_TEMPLATE. It returns (nil, nil) when the
// environment variable is unset, since the file is a convenience for
// bulk first-boot provisioning, never a requirement — a node with no
// template still boots with its default @everyone/Admin roles.
func LoadRoleTemplate() ([]RoleTemplate, error) {
	path := os.Getenv("REMUS_ROLE_TEMPLATE")
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading REMUS_ROLE_TEMPLATE %q: %w", path, err)
	}

	var doc roleTemplateFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing REMUS_ROLE_TEMPLATE %q: %w", path, err)
	}

	var errs []string
	for i, role := range doc.Roles {
		if strings.TrimSpace(role.Name) == "" {
			errs = append(errs, fmt.Sprintf("role %d: name is required", i))
			continue
		}
		if _, unknown := model.ParsePermissionNames(role.Permissions); len(unknown) > 0 {
			errs = append(errs, fmt.Sprintf("role %q: unknown permissions %v", role.Name, unknown))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("REMUS_ROLE_TEMPLATE %q is invalid: %s", path, strings.Join(errs, "; "))
	}

	return doc.Roles, nil
}
