package auth

import "errors"

var (
	// ErrInvalidCredential covers every authentication failure: bad signature,
	// expired token, wrong token type, unknown or inactive API key. Callers map
	// it to a single generic 401 so the failing sub-check is never disclosed.
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrInsufficientPrivilege means the credential was valid but the principal
	// does not satisfy the declared requirement.
	ErrInsufficientPrivilege = errors.New("auth: insufficient privilege")

	// ErrRateLimited is the one credential failure that surfaces distinctly to
	// clients (429): knowing to back off is not a security-sensitive hint.
	ErrRateLimited = errors.New("auth: rate limit exceeded")

	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrConflict     = errors.New("auth: already exists")
)
