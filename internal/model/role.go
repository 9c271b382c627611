package model

import (
	"fmt"
	"strings"
)

// Role is the coarse-grained role carried by an authenticated identity. Route
// rules grant access by role.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleUser      Role = "USER"
	RoleOrganizer Role = "ORGANIZER"
	RoleBusiness  Role = "BUSINESS"
)

// AllRoles lists every role the identity service may issue.
var AllRoles = []Role{RoleAdmin, RoleUser, RoleOrganizer, RoleBusiness}

// ParseRole normalizes s (case-insensitive) into a known Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ParseRoles parses a list of role names. A nil input stays nil so that
// "unset" and "empty" remain distinguishable.
func ParseRoles(names []string) ([]Role, error) {
	if names == nil {
		return nil, nil
	}
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// HasRole reports whether role is contained in roles.
func HasRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// JoinRoles renders roles as a comma separated list.
func JoinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
