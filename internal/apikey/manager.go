package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelhub.org/internal/auth"
	"modelhub.org/internal/ids"
	"modelhub.org/internal/obs"
)

const (
	// RawKeyPrefix identifies modelhub keys in config files and support logs.
	RawKeyPrefix = "mhk_"
	rawKeyBytes  = 32 // 256 bits of entropy

	// displayPrefixLen is how much of the encoded key is persisted for
	// identification. Enough to tell keys apart, useless for recovery.
	displayPrefixLen = 8

	defaultWindow = time.Hour
)

// Manager generates, resolves, rotates and revokes long-lived API keys.
type Manager struct {
	store    Store
	accounts auth.AccountStore
	window   time.Duration
	now      func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithWindow overrides the fixed rate-limit window (default one hour).
func WithWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithAccounts lets Resolve enrich principals with the owner's role and
// superuser flag, and reject keys whose owner was deactivated.
func WithAccounts(accounts auth.AccountStore) Option {
	return func(m *Manager) {
		m.accounts = accounts
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("apikey: store is required")
	}
	m := &Manager{
		store:  store,
		window: defaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create mints a new key. The raw key is returned exactly once; only its hash
// is persisted, so it can never be retrieved again. ttl == 0 means no expiry,
// which is allowed but logged so it shows up in reviews.
func (m *Manager) Create(ctx context.Context, ownerID, name string, scopes []string, ttl time.Duration, rateLimit int) (*Key, string, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" || name == "" {
		return nil, "", fmt.Errorf("%w: owner and name are required", auth.ErrInvalidInput)
	}
	if ttl < 0 {
		return nil, "", fmt.Errorf("%w: ttl must not be negative", auth.ErrInvalidInput)
	}
	if rateLimit < 0 {
		return nil, "", fmt.Errorf("%w: rate limit must not be negative", auth.ErrInvalidInput)
	}
	normalized, err := normalizeScopes(scopes)
	if err != nil {
		return nil, "", err
	}

	raw, hash, prefix, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	key := &Key{
		ID:                ids.NewPrefixed("key"),
		OwnerID:           ownerID,
		Name:              name,
		KeyHash:           hash,
		KeyPrefix:         prefix,
		Scopes:            normalized,
		IsActive:          true,
		RateLimitRequests: rateLimit,
		CreatedAt:         now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	} else {
		obs.Log("warn", "api key created without expiry", map[string]any{
			"key_id": key.ID, "owner_id": ownerID,
		})
	}
	if err := m.store.Insert(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// Resolve authenticates a raw key and returns the principal it represents.
// Unknown, inactive, expired and rate-limited keys each log a distinct reason
// but share the client-facing error class with token failures; only the
// rate-limit case is distinguishable by the caller.
func (m *Manager) Resolve(ctx context.Context, rawKey string) (auth.Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" || !strings.HasPrefix(rawKey, RawKeyPrefix) {
		return auth.Principal{}, auth.ErrInvalidCredential
	}
	key, err := m.store.FindByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, auth.ErrInvalidCredential
		}
		return auth.Principal{}, err
	}
	now := m.now().UTC()
	if !key.IsActive {
		obs.Log("debug", "api key rejected", map[string]any{"key_id": key.ID, "reason": "inactive"})
		return auth.Principal{}, auth.ErrInvalidCredential
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		obs.Log("debug", "api key rejected", map[string]any{"key_id": key.ID, "reason": "expired"})
		return auth.Principal{}, auth.ErrInvalidCredential
	}

	principal := auth.Principal{
		SubjectID: key.OwnerID,
		Source:    auth.SourceAPIKey,
		Scopes:    key.Scopes,
	}
	if m.accounts != nil {
		owner, err := m.accounts.Find(ctx, key.OwnerID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return auth.Principal{}, auth.ErrInvalidCredential
			}
			return auth.Principal{}, err
		}
		if !owner.IsActive {
			obs.Log("debug", "api key rejected", map[string]any{"key_id": key.ID, "reason": "owner inactive"})
			return auth.Principal{}, auth.ErrInvalidCredential
		}
		principal.Role = owner.Role
		principal.IsSuperuser = owner.IsSuperuser
	}

	allowed, err := m.store.Consume(ctx, key.ID, now.Truncate(m.window), key.RateLimitRequests, now)
	if err != nil {
		return auth.Principal{}, err
	}
	if !allowed {
		obs.Log("info", "api key rate limited", map[string]any{"key_id": key.ID, "limit": key.RateLimitRequests})
		return auth.Principal{}, auth.ErrRateLimited
	}
	return principal, nil
}

// Rotate replaces a key: the new key is persisted first, then the old one is
// deactivated, inside one store transaction. The new record carries a
// replaces_id link to the old one for audit.
func (m *Manager) Rotate(ctx context.Context, keyID string, ttl time.Duration) (*Key, string, error) {
	old, err := m.store.Find(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	if !old.IsActive {
		return nil, "", fmt.Errorf("%w: key %s is not active", auth.ErrInvalidInput, keyID)
	}
	raw, hash, prefix, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	replacement := &Key{
		ID:                ids.NewPrefixed("key"),
		OwnerID:           old.OwnerID,
		Name:              old.Name,
		KeyHash:           hash,
		KeyPrefix:         prefix,
		Scopes:            old.Scopes,
		IsActive:          true,
		RateLimitRequests: old.RateLimitRequests,
		ReplacesID:        old.ID,
		CreatedAt:         now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		replacement.ExpiresAt = &exp
	} else if old.ExpiresAt != nil {
		remaining := old.ExpiresAt.Sub(old.CreatedAt)
		exp := now.Add(remaining)
		replacement.ExpiresAt = &exp
	}
	if err := m.store.Replace(ctx, old.ID, replacement); err != nil {
		return nil, "", err
	}
	return replacement, raw, nil
}

// Revoke deactivates a key. Revoking an already-revoked key is a no-op
// success; only an unknown key id is an error.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	return m.store.Deactivate(ctx, keyID)
}

// Delete removes the key row entirely. Deactivation is sufficient for
// correctness; hard deletion exists for cleanup.
func (m *Manager) Delete(ctx context.Context, keyID string) error {
	return m.store.Delete(ctx, keyID)
}

// Get returns a key record by id.
func (m *Manager) Get(ctx context.Context, keyID string) (*Key, error) {
	return m.store.Find(ctx, keyID)
}

// ListByOwner returns all key records owned by the subject, newest first.
func (m *Manager) ListByOwner(ctx context.Context, ownerID string) ([]*Key, error) {
	return m.store.ListByOwner(ctx, ownerID)
}

// HashKey computes the stored digest of a raw key. Lookups hash the incoming
// candidate and compare against stored hashes; the raw key is never persisted.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func generateKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	raw = RawKeyPrefix + encoded
	return raw, HashKey(raw), RawKeyPrefix + encoded[:displayPrefixLen], nil
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", auth.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(strings.ToLower(scope))
		if scope == "" {
			continue
		}
		if !auth.ValidScope(scope) {
			return nil, fmt.Errorf("%w: malformed scope %q", auth.ErrInvalidInput, scope)
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", auth.ErrInvalidInput)
	}
	return out, nil
}
