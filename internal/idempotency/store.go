package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store records which logical events have already been processed. A key is claimed
// once; later claims for the same key report false until the claim expires or is
// released.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Once runs fn only for the first claim of key. If fn fails the claim is released so
// a redelivery can try again. ran reports whether fn was invoked.
func Once(ctx context.Context, store Store, key string, fn func(context.Context) error) (ran bool, err error) {
	claimed, err := store.Claim(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		if relErr := store.Release(ctx, key); relErr != nil {
			return true, fmt.Errorf("%w (release %s: %v)", err, key, relErr)
		}
		return true, err
	}
	return true, nil
}

// MemoryStore is a process-local Store. Expired claims are swept at most once per ttl.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	claims    map[string]time.Time
	lastSweep time.Time
}

// NewMemoryStore creates a store whose claims expire after ttl. A zero ttl never
// expires and keeps every key, which only suits tests and short runs.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		now:    time.Now,
		claims: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.ttl > 0 && now.Sub(s.lastSweep) >= s.ttl {
		s.sweep(now)
	}
	if at, ok := s.claims[key]; ok && (s.ttl == 0 || now.Sub(at) < s.ttl) {
		return false, nil
	}
	s.claims[key] = now
	return true, nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for key, at := range s.claims {
		if now.Sub(at) >= s.ttl {
			delete(s.claims, key)
		}
	}
	s.lastSweep = now
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}
