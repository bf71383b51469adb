package apikey

import (
	"context"
	"sort"
	"sync"
	"time"

	"modelhub.org/internal/auth"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and dev mode. The mutex makes
// Consume the same atomic check-and-increment the Postgres upsert provides.
type MemStore struct {
	mu      sync.Mutex
	keys    map[string]*Key
	byHash  map[string]string
	windows map[windowKey]int
}

type windowKey struct {
	keyID       string
	windowStart int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		keys:    make(map[string]*Key),
		byHash:  make(map[string]string),
		windows: make(map[windowKey]int),
	}
}

func (s *MemStore) Insert(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(key)
}

func (s *MemStore) insertLocked(key *Key) error {
	if _, exists := s.keys[key.ID]; exists {
		return auth.ErrConflict
	}
	clone := cloneKey(key)
	s.keys[key.ID] = clone
	s.byHash[key.KeyHash] = key.ID
	return nil
}

func (s *MemStore) Find(ctx context.Context, id string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneKey(key), nil
}

func (s *MemStore) FindByHash(ctx context.Context, keyHash string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneKey(s.keys[id]), nil
}

func (s *MemStore) ListByOwner(ctx context.Context, ownerID string) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*Key
	for _, key := range s.keys {
		if key.OwnerID == ownerID {
			keys = append(keys, cloneKey(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemStore) Consume(ctx context.Context, keyID string, windowStart time.Time, limit int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return false, auth.ErrNotFound
	}
	if limit > 0 {
		wk := windowKey{keyID: keyID, windowStart: windowStart.Unix()}
		if s.windows[wk] >= limit {
			return false, nil
		}
		s.windows[wk]++
	}
	key.TotalRequests++
	used := now
	key.LastUsedAt = &used
	return true, nil
}

func (s *MemStore) Replace(ctx context.Context, oldID string, replacement *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.keys[oldID]
	if !ok {
		return auth.ErrNotFound
	}
	if err := s.insertLocked(replacement); err != nil {
		return err
	}
	old.IsActive = false
	return nil
}

func (s *MemStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return auth.ErrNotFound
	}
	key.IsActive = false
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.byHash, key.KeyHash)
	delete(s.keys, id)
	return nil
}

func cloneKey(key *Key) *Key {
	clone := *key
	clone.Scopes = append([]string(nil), key.Scopes...)
	if key.ExpiresAt != nil {
		t := *key.ExpiresAt
		clone.ExpiresAt = &t
	}
	if key.LastUsedAt != nil {
		t := *key.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}
