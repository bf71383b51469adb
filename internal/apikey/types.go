package apikey

import (
	"context"
	"time"
)

// Key is the persisted half of an API key. The raw key material exists only
// in the response to Create and Rotate; only its SHA-256 hash is stored.
type Key struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Name              string     `json:"name"`
	KeyHash           string     `json:"-"`
	KeyPrefix         string     `json:"key_prefix"`
	Scopes            []string   `json:"scopes"`
	IsActive          bool       `json:"is_active"`
	RateLimitRequests int        `json:"rate_limit_requests"`
	TotalRequests     int64      `json:"total_requests"`
	ReplacesID        string     `json:"replaces_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// Store describes persistence operations for API keys. Consume must be a
// single atomic conditional increment at the storage layer: two concurrent
// requests on the same key must never both pass a nearly-exhausted quota.
type Store interface {
	Insert(ctx context.Context, key *Key) error
	Find(ctx context.Context, id string) (*Key, error)
	FindByHash(ctx context.Context, keyHash string) (*Key, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Key, error)

	// Consume counts one request against the key's fixed window. It reports
	// false when the window quota is already exhausted; on success it also
	// advances last_used_at and total_requests. limit <= 0 means unmetered.
	Consume(ctx context.Context, keyID string, windowStart time.Time, limit int, now time.Time) (bool, error)

	// Replace persists the replacement key and deactivates the old one inside
	// one transaction, in that order: a crash in between leaves the old key
	// valid rather than leaving no valid key at all.
	Replace(ctx context.Context, oldID string, replacement *Key) error

	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
