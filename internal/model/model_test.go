package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"ADMIN", RoleAdmin, false},
		{"admin", RoleAdmin, false},
		{" Business ", RoleBusiness, false},
		{"organizer", RoleOrganizer, false},
		{"USER", RoleUser, false},
		{"root", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRolesKeepsNilDistinctFromEmpty(t *testing.T) {
	got, err := ParseRoles(nil)
	if err != nil || got != nil {
		t.Fatalf("ParseRoles(nil) = %v, %v; want nil, nil", got, err)
	}
	got, err = ParseRoles([]string{})
	if err != nil {
		t.Fatalf("ParseRoles(empty) error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ParseRoles(empty) = %#v, want empty non-nil slice", got)
	}
	if _, err := ParseRoles([]string{"ADMIN", "nope"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestHasRoleAndJoin(t *testing.T) {
	roles := []Role{RoleAdmin, RoleOrganizer}
	if !HasRole(roles, RoleOrganizer) {
		t.Error("expected ORGANIZER to be present")
	}
	if HasRole(roles, RoleUser) {
		t.Error("USER should not be present")
	}
	if got := JoinRoles(roles); got != "ADMIN, ORGANIZER" {
		t.Errorf("JoinRoles = %q", got)
	}
}

func TestAPIKeyJSONHidesHash(t *testing.T) {
	k := APIKey{
		ID:        "k1",
		KeyHash:   "deadbeef",
		KeyPrefix: "rg_12345",
		Label:     "ci",
		IsActive:  true,
		CreatedAt: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := m["KeyHash"]; ok {
		t.Error("KeyHash must never be serialized")
	}
	if m["key_prefix"] != "rg_12345" {
		t.Errorf("key_prefix = %v", m["key_prefix"])
	}
	if _, ok := m["expires_at"]; ok {
		t.Error("expires_at should be omitted when nil")
	}
}

func TestGatewayErrorOmitsEmptyPath(t *testing.T) {
	b, err := json.Marshal(GatewayError{StatusCode: 404, Message: "x", Error: "Not Found"})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	if _, ok := m["path"]; ok {
		t.Error("path should be omitted when empty")
	}
	if m["statusCode"] != float64(404) {
		t.Errorf("statusCode = %v", m["statusCode"])
	}
}
