package auth

import (
	"fmt"
	"strings"
)

// Requirement is a closed set of authorization rules. Handlers declare the
// requirement they need; the engine exhaustively handles each variant.
type Requirement interface {
	requirement()
}

// RoleSet is satisfied when the principal is a superuser or its role belongs
// to the set.
type RoleSet struct {
	Roles []Role
}

// Ownership is satisfied when the principal owns the resource, or when the
// RoleSet of admin-equivalent roles passes. This is how "owners and admins"
// rules are expressed without per-endpoint duplication.
type Ownership struct {
	OwnerID string
	// AdminRoles defaults to AdminRoles when empty.
	AdminRoles []Role
}

// ScopeRequirement is satisfied only by API-key principals whose scope set
// covers the required resource:action entry. Session principals never satisfy
// it: roles are not mapped to an implicit scope set.
type ScopeRequirement struct {
	Scope string
}

func (RoleSet) requirement()          {}
func (Ownership) requirement()        {}
func (ScopeRequirement) requirement() {}

// Authorize decides allow/deny for a resolved principal against a declared
// requirement. A denial is always ErrInsufficientPrivilege; the wrapped reason
// is for server-side logs, not clients.
func Authorize(principal Principal, requirement Requirement) error {
	switch req := requirement.(type) {
	case RoleSet:
		if principal.IsSuperuser || roleIn(principal.Role, req.Roles) {
			return nil
		}
		return fmt.Errorf("%w: role %s not in %s", ErrInsufficientPrivilege, principal.Role, formatRoles(req.Roles))
	case Ownership:
		if principal.SubjectID != "" && principal.SubjectID == req.OwnerID {
			return nil
		}
		admins := req.AdminRoles
		if len(admins) == 0 {
			admins = AdminRoles
		}
		if err := Authorize(principal, RoleSet{Roles: admins}); err == nil {
			return nil
		}
		return fmt.Errorf("%w: subject %s is not the owner", ErrInsufficientPrivilege, principal.SubjectID)
	case ScopeRequirement:
		if principal.IsSuperuser {
			return nil
		}
		if principal.Source != SourceAPIKey {
			return fmt.Errorf("%w: scope %s requires an API key credential", ErrInsufficientPrivilege, req.Scope)
		}
		if principal.HasScope(req.Scope) {
			return nil
		}
		return fmt.Errorf("%w: scope %s not granted", ErrInsufficientPrivilege, req.Scope)
	default:
		return fmt.Errorf("%w: unknown requirement %T", ErrInsufficientPrivilege, requirement)
	}
}

// ScopeMatches reports whether a granted scope entry covers a required
// resource:action scope. "models:*" grants every action on models, "*:read"
// grants read everywhere, "*:*" grants everything. Matching is exact
// otherwise; there is no prefix matching inside segments.
func ScopeMatches(granted, required string) bool {
	grantedResource, grantedAction, ok := splitScope(granted)
	if !ok {
		return false
	}
	requiredResource, requiredAction, ok := splitScope(required)
	if !ok {
		return false
	}
	if grantedResource != "*" && grantedResource != requiredResource {
		return false
	}
	if grantedAction != "*" && grantedAction != requiredAction {
		return false
	}
	return true
}

// ValidScope reports whether a scope string is well-formed resource:action.
func ValidScope(scope string) bool {
	_, _, ok := splitScope(scope)
	return ok
}

func splitScope(scope string) (resource, action string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(scope), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	resource = strings.TrimSpace(parts[0])
	action = strings.TrimSpace(parts[1])
	if resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

// Visibility narrows collection queries to what a principal may see. It is a
// pre-filter on the query, never a post-hoc per-item check, so pagination
// counts cannot leak the existence of foreign resources.
type Visibility struct {
	// All grants an unrestricted view.
	All bool
	// OwnerID restricts results to resources owned by this subject.
	OwnerID string
}

// VisibilityFor computes the list pre-filter for a principal. Superusers and
// view-all roles see everything; everyone else sees only what they own.
func VisibilityFor(principal Principal) Visibility {
	if principal.IsSuperuser || roleIn(principal.Role, ViewAllRoles) {
		return Visibility{All: true}
	}
	return Visibility{OwnerID: principal.SubjectID}
}

func formatRoles(roles []Role) string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}
