package auth

import (
	"fmt"
	"strings"
)

// Role is a closed enumeration known at build time. There is no runtime role
// registry; the only escape hatch is the account-level superuser flag.
type Role string

const (
	RoleUser     Role = "user"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// AdminRoles are the roles that satisfy ownership requirements regardless of
// who owns the resource.
var AdminRoles = []Role{RoleAdmin}

// ViewAllRoles may list resources they do not own.
var ViewAllRoles = []Role{RoleAdmin, RoleReviewer}

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleReviewer:
		return RoleReviewer, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

func (r Role) String() string { return string(r) }

func roleIn(role Role, set []Role) bool {
	for _, candidate := range set {
		if candidate == role {
			return true
		}
	}
	return false
}
