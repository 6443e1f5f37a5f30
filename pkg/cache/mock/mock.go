// Package mock provides a test double for the cache.Backend interface.
//
// Backend stores vectors in a map keyed by cache.Key.ID, records every call
// and lets tests inject load and save failures.
//
// Example:
//
//	b := mock.New()
//	b.Seed(ns, "b", []float32{9, 9})
//	b.LoadErr = fmt.Errorf("%w: down", cache.ErrUnavailable)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/textenc/pkg/cache"
)

// LoadManyCall records a single invocation of LoadMany.
type LoadManyCall struct {
	Keys []cache.Key
}

// SaveManyCall records a single invocation of SaveMany.
type SaveManyCall struct {
	Keys    []cache.Key
	Vectors [][]float32
}

// Backend is a mock implementation of cache.Backend.
type Backend struct {
	mu      sync.Mutex
	entries map[string][]float32

	// --- Configurable behaviour ---

	// LoadErr, if non-nil, is returned by LoadMany.
	LoadErr error

	// SaveErr, if non-nil, is returned by SaveMany and nothing is stored.
	SaveErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// Whole makes the backend report whole-batch semantics.
	Whole bool

	// --- Call records ---

	LoadManyCalls []LoadManyCall
	SaveManyCalls []SaveManyCall
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{entries: make(map[string][]float32)}
}

// Seed stores vec under the per-text key of text in ns without recording a call.
func (b *Backend) Seed(ns cache.Namespace, text string, vec []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure()
	b.entries[cache.TextKey(ns, text).ID] = cache.CloneVector(vec)
}

// LoadMany records the call and returns stored vectors or LoadErr.
func (b *Backend) LoadMany(_ context.Context, keys []cache.Key) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadManyCalls = append(b.LoadManyCalls, LoadManyCall{Keys: append([]cache.Key(nil), keys...)})
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	slots := make([][]float32, len(keys))
	for i, k := range keys {
		slots[i] = cache.CloneVector(b.entries[k.ID])
	}
	return slots, nil
}

// SaveMany records the call and stores vectors unless SaveErr is set.
func (b *Backend) SaveMany(_ context.Context, keys []cache.Key, vectors [][]float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([][]float32, len(vectors))
	for i, v := range vectors {
		cp[i] = cache.CloneVector(v)
	}
	b.SaveManyCalls = append(b.SaveManyCalls, SaveManyCall{Keys: append([]cache.Key(nil), keys...), Vectors: cp})
	if b.SaveErr != nil {
		return b.SaveErr
	}
	if err := cache.CheckSave(keys, vectors); err != nil {
		return err
	}
	b.ensure()
	for i, k := range keys {
		b.entries[k.ID] = cp[i]
	}
	return nil
}

// WholeBatch implements cache.WholeBatch and returns Whole.
func (b *Backend) WholeBatch() bool { return b.Whole }

// Ping returns PingErr.
func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PingErr
}

// Len returns the number of stored entries.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// SavedKeys returns the IDs of every key passed to SaveMany, in call order.
func (b *Backend) SavedKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.SaveManyCalls {
		for _, k := range c.Keys {
			out = append(out, k.ID)
		}
	}
	return out
}

// Reset clears recorded calls but keeps stored entries.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadManyCalls = nil
	b.SaveManyCalls = nil
}

func (b *Backend) ensure() {
	if b.entries == nil {
		b.entries = make(map[string][]float32)
	}
}

var (
	_ cache.WholeBatch = (*Backend)(nil)
	_ cache.Pinger     = (*Backend)(nil)
)
