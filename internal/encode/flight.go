package encode

import (
	"context"
	"sync"
)

// flight is one in-progress remote encoding of a single cache key.
type flight struct {
	done chan struct{}
	vec  []float32
	err  error
}

// wait blocks until the owner publishes a result or ctx is done.
func (f *flight) wait(ctx context.Context) ([]float32, error) {
	select {
	case <-f.done:
		return f.vec, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flightTable tracks the cache keys claimed for remote encoding during one
// encode call. Unlike x/sync/singleflight it claims many keys at once, so an
// owner encodes all of its claims in one batched call, and it keeps
// successful results until the table is dropped. That covers the gap between
// a concurrent chunk's cache miss and the owner's cache write.
type flightTable struct {
	mu sync.Mutex
	m  map[string]*flight
}

func newFlightTable() *flightTable {
	return &flightTable{m: make(map[string]*flight)}
}

// claim returns the flight for id and whether the caller became its owner.
// An owner must eventually call publish exactly once.
func (t *flightTable) claim(id string) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.m[id]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	t.m[id] = f
	return f, true
}

// publish stores the outcome of an owned flight and wakes its waiters. A
// failed claim is dropped so that a later attempt may claim afresh.
func (t *flightTable) publish(id string, f *flight, vec []float32, err error) {
	if err != nil {
		t.mu.Lock()
		if t.m[id] == f {
			delete(t.m, id)
		}
		t.mu.Unlock()
	}
	f.vec, f.err = vec, err
	close(f.done)
}

// len returns the number of claimed keys.
func (t *flightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
