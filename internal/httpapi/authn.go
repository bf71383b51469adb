package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/auth"
	"modelhub.org/internal/obs"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
	apiKeyHeader = "X-API-Key"
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}
var publicPrefixes = []string{
	"/v1/oauth/",
}

// Authenticator is the composition root of request authentication: it
// determines which credential type a request presents and delegates to the
// token service or the API key manager.
type Authenticator struct {
	tokens *auth.TokenService
	keys   *apikey.Manager
}

func NewAuthenticator(tokens *auth.TokenService, keys *apikey.Manager) *Authenticator {
	return &Authenticator{tokens: tokens, keys: keys}
}

// Authenticate resolves a principal from the request headers. When both
// credential types are present, the API key wins: it is the more specific,
// scoped mechanism. A request with neither fails as unauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (auth.Principal, error) {
	if rawKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); rawKey != "" {
		principal, err := a.keys.Resolve(r.Context(), rawKey)
		obs.AuthAttempt(string(auth.SourceAPIKey), outcome(err))
		return principal, err
	}
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		principal, err := a.tokens.ResolvePrincipal(r.Context(), token)
		obs.AuthAttempt(string(auth.SourceSessionToken), outcome(err))
		return principal, err
	}
	return auth.Principal{}, auth.ErrInvalidCredential
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrRateLimited):
		return "rate_limited"
	default:
		return "invalid"
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// withAuth authenticates every non-public request and stores the resolved
// principal in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.authn.Authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuthorized enforces a requirement for the principal on the request.
func requireAuthorized(r *http.Request, requirement auth.Requirement) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrInvalidCredential
	}
	if err := auth.Authorize(principal, requirement); err != nil {
		obs.AuthzDenied(requirementName(requirement))
		return auth.Principal{}, err
	}
	return principal, nil
}

func requirementName(requirement auth.Requirement) string {
	switch requirement.(type) {
	case auth.RoleSet:
		return "role_set"
	case auth.Ownership:
		return "ownership"
	case auth.ScopeRequirement:
		return "scope"
	default:
		return "unknown"
	}
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
