package auth

// CapabilitySource records which mechanism resolved a principal. API-key
// principals carry scopes; session principals are authorized by role.
type CapabilitySource string

const (
	SourceSessionToken CapabilitySource = "session_token"
	SourceAPIKey       CapabilitySource = "api_key"
)

// Principal is the resolved identity of one request. It is produced fresh on
// every request and never persisted.
type Principal struct {
	SubjectID   string
	Role        Role
	IsSuperuser bool
	Source      CapabilitySource
	Scopes      []string
}

// HasScope reports whether any granted scope entry covers the required
// resource:action scope, honoring wildcards.
func (p Principal) HasScope(required string) bool {
	for _, granted := range p.Scopes {
		if ScopeMatches(granted, required) {
			return true
		}
	}
	return false
}
