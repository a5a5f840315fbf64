// Package auth keeps the signed-in user's identity in sync with the
// authentication service.
package auth

import (
	"fmt"
	"strings"

	"github.com/visible-governance/platform/internal/remotestore"
	sharedauth "github.com/visible-governance/platform/internal/shared/auth"
)

// Role is the application role carried in user metadata.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a login-form value to a Role. Empty means citizen.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleCitizen:
		return RoleCitizen, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RolePolicy decides where an admin's role and department come from.
type RolePolicy string

const (
	// PolicyLoginOverride trusts the login form: whatever role and
	// department the user picks are written to their metadata.
	PolicyLoginOverride RolePolicy = "login-override"
	// PolicyRegistry only lets addresses listed in the registry log in as
	// admin, and only for their listed departments.
	PolicyRegistry RolePolicy = "registry"
)

func ParsePolicy(s string) (RolePolicy, error) {
	switch RolePolicy(s) {
	case "", PolicyLoginOverride:
		return PolicyLoginOverride, nil
	case PolicyRegistry:
		return PolicyRegistry, nil
	}
	return "", fmt.Errorf("unknown role policy %q", s)
}

// User is the projection of an authentication record the application works with.
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	Department string `json:"department,omitempty"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Project builds a User from an authentication record. A missing or unknown
// role projects to citizen; department is only kept for admins.
func Project(au remotestore.AuthUser) *User {
	meta := sharedauth.UserFromMetadata(au.ID, au.Email, au.Metadata)
	role, err := ParseRole(meta.Role)
	if err != nil {
		role = RoleCitizen
	}
	u := &User{
		ID:    au.ID,
		Email: au.Email,
		Name:  meta.Name,
		Role:  role,
	}
	if role == RoleAdmin {
		u.Department = meta.Department
	}
	return u
}
