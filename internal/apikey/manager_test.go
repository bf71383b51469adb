package apikey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"modelhub.org/internal/auth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	manager, err := NewManager(NewMemStore(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager, clock
}

func TestCreateReturnsRawKeyOnce(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	key, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(raw, RawKeyPrefix) {
		t.Fatalf("raw key %q missing prefix", raw)
	}
	if key.KeyHash == raw || key.KeyHash == "" {
		t.Fatalf("stored hash must not be the raw key")
	}
	if !strings.HasPrefix(raw, key.KeyPrefix) {
		t.Fatalf("display prefix %q is not a prefix of the raw key", key.KeyPrefix)
	}
	if key.ExpiresAt == nil {
		t.Fatalf("expected expiry to be set")
	}

	// The record never exposes the raw key again.
	stored, err := manager.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.KeyHash != HashKey(raw) {
		t.Fatalf("stored hash does not match raw key digest")
	}
}

func TestCreateValidation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		ownerID   string
		keyName   string
		scopes    []string
		ttl       time.Duration
		rateLimit int
	}{
		{"missing owner", "", "ci", []string{"models:read"}, 0, 0},
		{"missing name", "owner-1", "", []string{"models:read"}, 0, 0},
		{"no scopes", "owner-1", "ci", nil, 0, 0},
		{"malformed scope", "owner-1", "ci", []string{"models"}, 0, 0},
		{"negative ttl", "owner-1", "ci", []string{"models:read"}, -time.Hour, 0},
		{"negative rate limit", "owner-1", "ci", []string{"models:read"}, 0, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := manager.Create(ctx, tc.ownerID, tc.keyName, tc.scopes, tc.ttl, tc.rateLimit); !errors.Is(err, auth.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateNormalizesScopes(t *testing.T) {
	manager, _ := newTestManager(t)

	key, _, err := manager.Create(context.Background(), "owner-1", "ci",
		[]string{" Models:Read ", "models:read", "deploy:write"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(key.Scopes) != 2 || key.Scopes[0] != "models:read" || key.Scopes[1] != "deploy:write" {
		t.Fatalf("unexpected scopes: %v", key.Scopes)
	}
}

func TestResolve(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	key, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	principal, err := manager.Resolve(ctx, raw)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.SubjectID != "owner-1" || principal.Source != auth.SourceAPIKey {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if !principal.HasScope("models:read") {
		t.Fatalf("expected scope to carry over")
	}

	stored, err := manager.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.TotalRequests != 1 || stored.LastUsedAt == nil {
		t.Fatalf("expected usage tracking, got total=%d last_used=%v", stored.TotalRequests, stored.LastUsedAt)
	}
}

func TestResolveRejectsUnknownAndMalformed(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	for _, raw := range []string{"", "not-a-key", RawKeyPrefix + "deadbeef"} {
		if _, err := manager.Resolve(ctx, raw); !errors.Is(err, auth.ErrInvalidCredential) {
			t.Fatalf("Resolve(%q): expected ErrInvalidCredential, got %v", raw, err)
		}
	}
}

func TestResolveRejectsExpiredKey(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	_, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock.Advance(time.Hour + time.Second)
	if _, err := manager.Resolve(ctx, raw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for expired key, got %v", err)
	}
}

func TestResolveRejectsRevokedKey(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	key, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := manager.Resolve(ctx, raw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for revoked key, got %v", err)
	}
}

func TestResolveEnrichesFromOwnerAccount(t *testing.T) {
	accounts := auth.NewMemAccountStore()
	ctx := context.Background()
	owner := &auth.Account{Email: "owner@example.com", Role: auth.RoleReviewer, IsActive: true}
	if err := accounts.Create(ctx, owner); err != nil {
		t.Fatalf("Create account: %v", err)
	}

	manager, _ := newTestManager(t, WithAccounts(accounts))
	_, raw, err := manager.Create(ctx, owner.ID, "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	principal, err := manager.Resolve(ctx, raw)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.Role != auth.RoleReviewer {
		t.Fatalf("expected owner role, got %q", principal.Role)
	}

	// Deactivating the owner cuts off the key immediately.
	if err := accounts.SetActive(ctx, owner.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := manager.Resolve(ctx, raw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for inactive owner, got %v", err)
	}
}

func TestRateLimitWithinWindow(t *testing.T) {
	manager, clock := newTestManager(t, WithWindow(time.Minute))
	ctx := context.Background()

	_, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := manager.Resolve(ctx, raw); err != nil {
			t.Fatalf("Resolve %d: %v", i+1, err)
		}
	}
	if _, err := manager.Resolve(ctx, raw); !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A new window resets the count.
	clock.Advance(time.Minute)
	if _, err := manager.Resolve(ctx, raw); err != nil {
		t.Fatalf("Resolve after window reset: %v", err)
	}
}

func TestRateLimitHoldsUnderConcurrency(t *testing.T) {
	manager, _ := newTestManager(t, WithWindow(time.Minute))
	ctx := context.Background()

	const limit = 3
	_, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, limit)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		denied  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Resolve(ctx, raw)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				allowed++
			case errors.Is(err, auth.ErrRateLimited):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d allowed, got %d (denied %d)", limit, allowed, denied)
	}
	if denied != attempts-limit {
		t.Fatalf("expected %d denied, got %d", attempts-limit, denied)
	}
}

func TestUnlimitedKeyIgnoresRateLimit(t *testing.T) {
	manager, _ := newTestManager(t, WithWindow(time.Minute))
	ctx := context.Background()

	_, raw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := manager.Resolve(ctx, raw); err != nil {
			t.Fatalf("Resolve %d: %v", i+1, err)
		}
	}
}

func TestRotate(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	old, oldRaw, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read", "deploy:write"}, time.Hour, 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	replacement, newRaw, err := manager.Rotate(ctx, old.ID, 0)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if replacement.ID == old.ID || newRaw == oldRaw {
		t.Fatalf("rotation must mint new credentials")
	}
	if replacement.ReplacesID != old.ID {
		t.Fatalf("expected replaces link to %s, got %s", old.ID, replacement.ReplacesID)
	}
	if len(replacement.Scopes) != 2 || replacement.RateLimitRequests != 5 {
		t.Fatalf("rotation must preserve scopes and rate limit: %+v", replacement)
	}
	if replacement.ExpiresAt == nil {
		t.Fatalf("ttl 0 should inherit the old key's lifetime")
	}

	// Old key fails, new key succeeds.
	if _, err := manager.Resolve(ctx, oldRaw); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected old key to be rejected, got %v", err)
	}
	if _, err := manager.Resolve(ctx, newRaw); err != nil {
		t.Fatalf("new key should resolve: %v", err)
	}
}

func TestRotateRejectsInactiveKey(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	key, _, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, err := manager.Rotate(ctx, key.ID, 0); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	key, _, err := manager.Create(ctx, "owner-1", "ci", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}
	if err := manager.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("second Revoke should be a no-op success: %v", err)
	}
	if err := manager.Revoke(ctx, "key_unknown"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestListByOwnerNewestFirst(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	first, _, err := manager.Create(ctx, "owner-1", "first", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock.Advance(time.Minute)
	second, _, err := manager.Create(ctx, "owner-1", "second", []string{"models:read"}, time.Hour, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := manager.Create(ctx, "owner-2", "other", []string{"models:read"}, time.Hour, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	keys, err := manager.ListByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != second.ID || keys[1].ID != first.ID {
		t.Fatalf("unexpected listing order: %+v", keys)
	}
}
