// Package tiered composes a fast front cache with a durable back cache.
//
// Reads consult the front tier first and fetch only its misses from the back
// tier; back-tier hits are promoted to the front. Writes go to the back tier
// first and then to the front, so the current process benefits even when the
// durable write fails.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/textenc/pkg/cache"
)

var (
	_ cache.Backend = (*Store)(nil)
	_ cache.Pinger  = (*Store)(nil)
	_ cache.Clearer = (*Store)(nil)
	_ cache.Closer  = (*Store)(nil)
)

// Store is a two-tier [cache.Backend]. Neither tier may be a whole-batch
// backend.
type Store struct {
	front cache.Backend
	back  cache.Backend
}

// New returns a Store reading front before back.
func New(front, back cache.Backend) (*Store, error) {
	if front == nil || back == nil {
		return nil, fmt.Errorf("tiered store: both tiers are required")
	}
	if cache.IsWholeBatch(front) || cache.IsWholeBatch(back) {
		return nil, fmt.Errorf("tiered store: whole-batch backends cannot be tiered")
	}
	return &Store{front: front, back: back}, nil
}

// LoadMany implements [cache.Backend]. A front-tier failure degrades to a
// back-tier read; a back-tier failure is returned.
func (s *Store) LoadMany(ctx context.Context, keys []cache.Key) ([][]float32, error) {
	slots, err := s.front.LoadMany(ctx, keys)
	if err != nil || len(slots) != len(keys) {
		slog.Warn("tiered store: front tier read failed, using back tier", "err", err)
		slots = make([][]float32, len(keys))
	}

	var missIdx []int
	var missKeys []cache.Key
	for i, v := range slots {
		if v == nil {
			missIdx = append(missIdx, i)
			missKeys = append(missKeys, keys[i])
		}
	}
	if len(missKeys) == 0 {
		return slots, nil
	}

	backSlots, err := s.back.LoadMany(ctx, missKeys)
	if err != nil {
		return nil, err
	}
	if len(backSlots) != len(missKeys) {
		return nil, fmt.Errorf("%w: tiered store: back tier returned %d slots for %d keys", cache.ErrUnavailable, len(backSlots), len(missKeys))
	}

	var promoteKeys []cache.Key
	var promoteVecs [][]float32
	for j, v := range backSlots {
		if v == nil {
			continue
		}
		slots[missIdx[j]] = v
		promoteKeys = append(promoteKeys, missKeys[j])
		promoteVecs = append(promoteVecs, v)
	}
	if len(promoteKeys) > 0 {
		if err := s.front.SaveMany(ctx, promoteKeys, promoteVecs); err != nil {
			slog.Warn("tiered store: promotion to front tier failed", "keys", len(promoteKeys), "err", err)
		}
	}
	return slots, nil
}

// SaveMany implements [cache.Backend].
func (s *Store) SaveMany(ctx context.Context, keys []cache.Key, vectors [][]float32) error {
	if err := cache.CheckSave(keys, vectors); err != nil {
		return fmt.Errorf("tiered store: %w", err)
	}
	backErr := s.back.SaveMany(ctx, keys, vectors)
	frontErr := s.front.SaveMany(ctx, keys, vectors)
	if frontErr != nil {
		slog.Warn("tiered store: front tier write failed", "keys", len(keys), "err", frontErr)
	}
	if backErr != nil {
		if !errors.Is(backErr, cache.ErrWrite) {
			backErr = fmt.Errorf("%w: %v", cache.ErrWrite, backErr)
		}
		return fmt.Errorf("tiered store: back tier: %w", backErr)
	}
	return nil
}

// Ping implements [cache.Pinger] by pinging the back tier.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.back.(cache.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Clear implements [cache.Clearer] by clearing both tiers.
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	for _, b := range []cache.Backend{s.front, s.back} {
		if c, ok := b.(cache.Clearer); ok {
			if err := c.Clear(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases both tiers.
func (s *Store) Close() {
	for _, b := range []cache.Backend{s.front, s.back} {
		if c, ok := b.(cache.Closer); ok {
			c.Close()
		}
	}
}
