package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"modelhub.org/internal/obs"
)

const (
	defaultIssuer     = "modelhub"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// TokenTypeAccess and TokenTypeRefresh discriminate the two halves of a
	// session pair. A token is only ever accepted for its declared type.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims are the JWT claims carried by both session token types. The refresh
// token omits the role: the role is re-read from the account at refresh time.
type Claims struct {
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or federation callback.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues and validates signed, time-bounded session tokens. It is
// stateless: validity is determined entirely by signature and claims.
type TokenService struct {
	secret     []byte
	accounts   AccountStore
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. The signing secret is required;
// its absence is a startup failure, never a per-request one.
func NewTokenService(secret string, accounts AccountStore, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	svc := &TokenService{
		secret:     []byte(secret),
		accounts:   accounts,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssuePair signs a fresh access+refresh pair for the subject using HS256.
func (s *TokenService) IssuePair(subjectID string, role Role) (TokenPair, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenPair{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	access, err := s.sign(Claims{
		Role:      role.String(),
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(Claims{
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, expiry and declared token type. Every failure
// collapses to ErrInvalidCredential; the specific reason is logged server-side
// only, so clients get no oracle for forging tokens.
func (s *TokenService) Validate(token, expectedType string) (*Claims, error) {
	claims, reason := s.validate(token, expectedType)
	if reason != nil {
		obs.Log("debug", "token rejected", map[string]any{"reason": reason.Error()})
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

func (s *TokenService) validate(token, expectedType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("claims missing")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("subject missing")
	}
	if claims.IssuedAt == nil {
		return nil, errors.New("issued-at missing")
	}
	if claims.TokenType != expectedType {
		return nil, fmt.Errorf("token type %q where %q expected", claims.TokenType, expectedType)
	}
	return claims, nil
}

// ResolvePrincipal validates an access token and materializes a session
// principal. The superuser flag is re-read from the account so a revoked flag
// takes effect within one access-token lifetime.
func (s *TokenService) ResolvePrincipal(ctx context.Context, token string) (Principal, error) {
	claims, err := s.Validate(token, TokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, ErrInvalidCredential
	}
	principal := Principal{
		SubjectID: claims.Subject,
		Role:      role,
		Source:    SourceSessionToken,
	}
	if s.accounts != nil {
		account, err := s.accounts.Find(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Principal{}, ErrInvalidCredential
			}
			return Principal{}, err
		}
		if !account.IsActive {
			return Principal{}, ErrInvalidCredential
		}
		principal.IsSuperuser = account.IsSuperuser
	}
	return principal, nil
}

// Login verifies the account credentials and issues a fresh token pair.
// Unknown account, inactive account and bad password are indistinguishable.
func (s *TokenService) Login(ctx context.Context, email, password string) (TokenPair, *Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredential
	}
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredential
		}
		return TokenPair{}, nil, err
	}
	if !account.IsActive {
		return TokenPair{}, nil, ErrInvalidCredential
	}
	if !VerifyPassword(account.PasswordHash, password) {
		return TokenPair{}, nil, ErrInvalidCredential
	}
	pair, err := s.IssuePair(account.ID, account.Role)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, account, nil
}

// Refresh validates a refresh token and mints a new access token. The role is
// re-resolved from the account, not copied from the old token, so a demoted
// user loses elevated access within one refresh cycle.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.Validate(refreshToken, TokenTypeRefresh)
	if err != nil {
		return "", time.Time{}, err
	}
	account, err := s.accounts.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredential
		}
		return "", time.Time{}, err
	}
	if !account.IsActive {
		return "", time.Time{}, ErrInvalidCredential
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	access, err := s.sign(Claims{
		Role:      account.Role.String(),
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return access, exp, nil
}
