package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaygate/relaygate/internal/model"
)

const sampleRoutes = `
upstreams:
  media: http://media.local:4000
services:
  - base_path: /media
    service_key: media
    default_access:
      allowed_roles: [admin, business]
    routes:
      - path: /public
        is_public: true
      - path: /uploads
        methods: [post]
      - path: /locked
        allowed_roles: []
      - path: /gallery
        allowed_roles: [ADMIN]
        public_query_params: [share]
`

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(sampleRoutes))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if f.Upstreams["media"] != "http://media.local:4000" {
		t.Errorf("upstreams = %v", f.Upstreams)
	}
	if len(f.Services) != 1 {
		t.Fatalf("services = %d", len(f.Services))
	}
	svc := f.Services[0]
	if got := svc.DefaultAccess.AllowedRoles; len(got) != 2 || got[0] != model.RoleAdmin {
		t.Errorf("default roles = %v", got)
	}
	if svc.Routes[1].Methods[0] != "POST" {
		t.Errorf("methods should be upper-cased: %v", svc.Routes[1].Methods)
	}
	if svc.Routes[1].AllowedRoles != nil {
		t.Error("absent allowed_roles must stay nil")
	}
	if svc.Routes[2].AllowedRoles == nil || len(svc.Routes[2].AllowedRoles) != 0 {
		t.Errorf("explicit empty allowed_roles must stay empty, got %#v", svc.Routes[2].AllowedRoles)
	}

	table := NewTable(f.Services, f.Upstreams)
	if _, err := table.Resolve("/media/gallery?share=abc", "GET", ""); err != nil {
		t.Errorf("share link should be public: %v", err)
	}
}

func TestParseFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "services:\n  - base_path: /a\n    service_key: a\n    bogus: 1\n"},
		{"missing key", "services:\n  - base_path: /a\n"},
		{"bad role", "services:\n  - base_path: /a\n    service_key: a\n    default_access:\n      allowed_roles: [root]\n"},
		{"trailing slash", "services:\n  - base_path: /a/\n    service_key: a\n"},
		{"relative route", "services:\n  - base_path: /a\n    service_key: a\n    routes:\n      - path: x\n"},
		{"duplicate base", "services:\n  - base_path: /a\n    service_key: a\n  - base_path: /a\n    service_key: b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFile([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	if err := os.WriteFile(path, []byte(sampleRoutes), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read routes file") {
		t.Errorf("err = %v", err)
	}
}
