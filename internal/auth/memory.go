package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"modelhub.org/internal/ids"
)

var _ AccountStore = (*MemAccountStore)(nil)

// MemAccountStore is an in-memory AccountStore for tests and dev mode.
type MemAccountStore struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
}

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (s *MemAccountStore) Create(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(account.Email)
	if _, exists := s.byEmail[email]; exists {
		return ErrConflict
	}
	if account.ID == "" {
		account.ID = ids.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	clone := *account
	s.byID[account.ID] = &clone
	s.byEmail[email] = account.ID
	return nil
}

func (s *MemAccountStore) Find(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *account
	return &clone, nil
}

func (s *MemAccountStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *MemAccountStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.update(id, func(a *Account) { a.PasswordHash = passwordHash })
}

func (s *MemAccountStore) UpdateRole(ctx context.Context, id string, role Role) error {
	return s.update(id, func(a *Account) { a.Role = role })
}

func (s *MemAccountStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(id, func(a *Account) { a.IsActive = active })
}

func (s *MemAccountStore) update(id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(account)
	account.UpdatedAt = time.Now().UTC()
	return nil
}
