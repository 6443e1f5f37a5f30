// Package memory implements a bounded in-process cache tier on top of an
// expirable LRU.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/MrWong99/textenc/pkg/cache"
)

// DefaultSize is the entry limit used when New receives a non-positive size.
const DefaultSize = 10000

var (
	_ cache.Backend = (*Store)(nil)
	_ cache.Pinger  = (*Store)(nil)
	_ cache.Clearer = (*Store)(nil)
)

// Store keeps vectors in memory keyed by cache.Key.ID. Vectors are cloned on
// the way in and out so callers can never alias cached data. Store is safe for
// concurrent use.
type Store struct {
	lru *expirable.LRU[string, []float32]
}

// New creates a Store holding at most size entries. A ttl of zero keeps
// entries until they are evicted by size.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

// LoadMany implements [cache.Backend]. It never fails.
func (s *Store) LoadMany(ctx context.Context, keys []cache.Key) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slots := make([][]float32, len(keys))
	for i, k := range keys {
		if v, ok := s.lru.Get(k.ID); ok {
			slots[i] = cache.CloneVector(v)
		}
	}
	return slots, nil
}

// SaveMany implements [cache.Backend].
func (s *Store) SaveMany(_ context.Context, keys []cache.Key, vectors [][]float32) error {
	if err := cache.CheckSave(keys, vectors); err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	for i, k := range keys {
		s.lru.Add(k.ID, cache.CloneVector(vectors[i]))
	}
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int { return s.lru.Len() }

// Ping implements [cache.Pinger]; an in-process store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Clear implements [cache.Clearer].
func (s *Store) Clear(context.Context) error {
	s.lru.Purge()
	return nil
}
