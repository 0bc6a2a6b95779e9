package rules

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultContentTTL is applied to rule content when none is configured
const DefaultContentTTL = time.Hour

// ContentStore persists raw rule content keyed by rule set id with a
// time-to-live. Get returns an error wrapping ErrContentMissing once the
// entry has expired or was never written.
type ContentStore interface {
	Put(ctx context.Context, id, content string, ttl time.Duration) error
	Get(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// ExpiryReader is implemented by content stores that can report when an
// entry expires. The zero time means the entry never expires.
type ExpiryReader interface {
	ExpiresAt(ctx context.Context, id string) (time.Time, error)
}

// Purger is implemented by content stores that need expired entries
// removed explicitly
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type contentEntry struct {
	content   string
	expiresAt time.Time // zero means no expiration
}

func (e contentEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryContentStore implements ContentStore with lazy expiry.
// Thread-safe for concurrent access.
type InMemoryContentStore struct {
	entries map[string]contentEntry
	now     func() time.Time
	mu      sync.RWMutex
}

var (
	_ ContentStore = (*InMemoryContentStore)(nil)
	_ ExpiryReader = (*InMemoryContentStore)(nil)
	_ Purger       = (*InMemoryContentStore)(nil)
)

// NewInMemoryContentStore creates an empty content store
func NewInMemoryContentStore() *InMemoryContentStore {
	return &InMemoryContentStore{
		entries: make(map[string]contentEntry),
		now:     time.Now,
	}
}

// Put stores content; ttl <= 0 means the entry never expires
func (s *InMemoryContentStore) Put(_ context.Context, id, content string, ttl time.Duration) error {
	entry := contentEntry{content: content}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return nil
}

func (s *InMemoryContentStore) Get(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	entry, exists := s.entries[id]
	s.mu.RUnlock()

	if !exists || entry.expired(s.now()) {
		return "", fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	return entry.content, nil
}

func (s *InMemoryContentStore) ExpiresAt(_ context.Context, id string) (time.Time, error) {
	s.mu.RLock()
	entry, exists := s.entries[id]
	s.mu.RUnlock()

	if !exists || entry.expired(s.now()) {
		return time.Time{}, fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	return entry.expiresAt, nil
}

func (s *InMemoryContentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes expired entries and returns how many were removed
func (s *InMemoryContentStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged, nil
}
