package encode

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/textenc/internal/observe"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/encoder"
)

// Reconciler produces vectors for one batch while calling the encoder only
// for cache misses and persisting only newly computed vectors.
//
// For per-text backends the batch is split into hits and misses, duplicate
// misses are encoded once and keys already being encoded by a concurrent
// batch are awaited instead of re-encoded. For whole-batch backends
// ([cache.WholeBatch]) a load is all-or-nothing and a miss encodes and stores
// the complete batch.
//
// A Reconciler is safe for concurrent use. Each Reconcile call deduplicates
// within its batch; the orchestrator additionally shares one in-flight table
// across all chunks of an encode call.
type Reconciler struct {
	enc     encoder.Provider
	backend cache.Backend
	ns      cache.Namespace
	whole   bool
	metrics *observe.Metrics
}

// NewReconciler binds enc to backend under the namespace (enc.ModelID(),
// enc.Dimensions()). A nil m selects [observe.DefaultMetrics].
func NewReconciler(enc encoder.Provider, backend cache.Backend, m *observe.Metrics) (*Reconciler, error) {
	if enc == nil || backend == nil {
		return nil, fmt.Errorf("encode: reconciler needs an encoder and a cache backend")
	}
	ns := cache.Namespace{Model: enc.ModelID(), Dimensions: enc.Dimensions()}
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Reconciler{
		enc:     enc,
		backend: backend,
		ns:      ns,
		whole:   cache.IsWholeBatch(backend),
		metrics: m,
	}, nil
}

// Namespace returns the cache namespace the reconciler reads and writes.
func (r *Reconciler) Namespace() cache.Namespace { return r.ns }

// Reconcile returns one vector per text in input order. texts must be
// non-empty. A cache read failure fails the batch without calling the
// encoder; a cache write failure is logged and does not affect the result.
func (r *Reconciler) Reconcile(ctx context.Context, texts []string) ([][]float32, error) {
	return r.reconcile(ctx, texts, newFlightTable())
}

func (r *Reconciler) reconcile(ctx context.Context, texts []string, flights *flightTable) (_ [][]float32, err error) {
	if len(texts) == 0 {
		return nil, invariantf("empty batch")
	}
	ctx, span := observe.StartSpan(ctx, "encode.reconcile",
		trace.WithAttributes(
			attribute.Int("batch.size", len(texts)),
			attribute.Bool("cache.whole_batch", r.whole),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	keys := cache.TextKeys(r.ns, texts)
	slots, err := r.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	if r.whole {
		return r.reconcileWhole(ctx, texts, keys, slots)
	}
	return r.reconcilePerText(ctx, texts, keys, slots, flights)
}

// load reads keys and verifies slot count and vector dimensions.
func (r *Reconciler) load(ctx context.Context, keys []cache.Key) ([][]float32, error) {
	slots, err := r.backend.LoadMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("encode: cache lookup: %w", err)
	}
	if len(slots) != len(keys) {
		return nil, invariantf("cache returned %d slots for %d keys", len(slots), len(keys))
	}
	for i, v := range slots {
		if v != nil && len(v) != r.ns.Dimensions {
			return nil, invariantf("cached vector %d has %d dims, namespace %s", i, len(v), r.ns)
		}
	}
	return slots, nil
}

func (r *Reconciler) reconcileWhole(ctx context.Context, texts []string, keys []cache.Key, slots [][]float32) ([][]float32, error) {
	hit := true
	for _, v := range slots {
		if v == nil {
			hit = false
			break
		}
	}
	if hit {
		r.metrics.RecordCacheLookups(ctx, len(texts), 0)
		observe.Logger(ctx).Debug("batch cache hit", "texts", len(texts))
		return slots, nil
	}
	r.metrics.RecordCacheLookups(ctx, 0, len(texts))

	vecs, err := callRemote(ctx, r.enc, r.metrics, r.ns.Dimensions, texts)
	if err != nil {
		return nil, withPosition(err, identity(len(texts)))
	}
	r.save(ctx, keys, vecs)
	return vecs, nil
}

func (r *Reconciler) reconcilePerText(ctx context.Context, texts []string, keys []cache.Key, slots [][]float32, flights *flightTable) ([][]float32, error) {
	// Group miss positions by key so duplicates are encoded once.
	var (
		uniq      []cache.Key
		positions = make(map[string][]int)
	)
	misses := 0
	for i, v := range slots {
		if v != nil {
			continue
		}
		misses++
		id := keys[i].ID
		if _, seen := positions[id]; !seen {
			uniq = append(uniq, keys[i])
		}
		positions[id] = append(positions[id], i)
	}
	r.metrics.RecordCacheLookups(ctx, len(texts)-misses, misses)
	observe.Logger(ctx).Debug("cache lookup",
		"texts", len(texts),
		"hits", len(texts)-misses,
		"misses", misses,
		"unique_misses", len(uniq),
	)
	if misses == 0 {
		return slots, nil
	}

	// Claim keys nobody else is encoding; await the rest.
	var (
		owned    []cache.Key
		ownedF   []*flight
		awaited  []cache.Key
		awaitedF []*flight
	)
	for _, k := range uniq {
		f, mine := flights.claim(k.ID)
		if mine {
			owned = append(owned, k)
			ownedF = append(ownedF, f)
		} else {
			awaited = append(awaited, k)
			awaitedF = append(awaitedF, f)
		}
	}

	if len(owned) > 0 {
		vecs, err := r.encodeOwned(ctx, flights, owned, ownedF)
		if err != nil {
			firstPos := make([]int, len(owned))
			for j, k := range owned {
				firstPos[j] = positions[k.ID][0]
			}
			return nil, withPosition(err, firstPos)
		}
		for j, k := range owned {
			scatter(slots, positions[k.ID], vecs[j])
		}
	}

	var waitErr error
	for j, k := range awaited {
		vec, err := awaitedF[j].wait(ctx)
		if err != nil {
			err = fmt.Errorf("encode: awaiting text encoded by a concurrent batch: %w", err)
			// The owner marks the key its rejected request blamed.
			var pe *positionError
			if errors.As(err, &pe) {
				return nil, &positionError{pos: positions[k.ID][0], err: err}
			}
			if waitErr == nil {
				waitErr = err
			}
			continue
		}
		scatter(slots, positions[k.ID], cache.CloneVector(vec))
	}
	if waitErr != nil {
		return nil, waitErr
	}

	for i, v := range slots {
		if v == nil {
			return nil, invariantf("slot %d unfilled after reconciliation", i)
		}
	}
	return slots, nil
}

// encodeOwned encodes the claimed keys in one remote call, persists the result
// and then publishes it to waiters. Every claim is published exactly once,
// with the error if encoding fails. The key an oversize error blames is
// published as a positionError so its waiters can report their own position.
func (r *Reconciler) encodeOwned(ctx context.Context, table *flightTable, owned []cache.Key, flights []*flight) (vecs [][]float32, err error) {
	defer func() {
		offender := -1
		var oe *encoder.OversizeInputError
		if errors.As(err, &oe) {
			offender = oe.Index
		}
		for j, k := range owned {
			if j == offender {
				table.publish(k.ID, flights[j], nil, &positionError{pos: 0, err: err})
				continue
			}
			if err != nil {
				table.publish(k.ID, flights[j], nil, err)
				continue
			}
			table.publish(k.ID, flights[j], cache.CloneVector(vecs[j]), nil)
		}
	}()

	texts := make([]string, len(owned))
	for j, k := range owned {
		texts[j] = k.Source
	}
	vecs, err = callRemote(ctx, r.enc, r.metrics, r.ns.Dimensions, texts)
	if err != nil {
		return nil, err
	}
	r.save(ctx, owned, vecs)
	return vecs, nil
}

// save persists vectors. Failures only cost future cache hits, so they are
// logged and counted but never returned.
func (r *Reconciler) save(ctx context.Context, keys []cache.Key, vecs [][]float32) {
	if err := r.backend.SaveMany(ctx, keys, vecs); err != nil {
		r.metrics.CacheWriteErrors.Add(ctx, 1)
		observe.Logger(ctx).Warn("cache write failed, result kept in memory only",
			"keys", len(keys),
			"namespace", r.ns.String(),
			"err", err,
		)
	}
}

// scatter assigns vec to every position, copying it for all but the first so
// that output vectors never share backing arrays.
func scatter(slots [][]float32, positions []int, vec []float32) {
	for n, p := range positions {
		if n == 0 {
			slots[p] = vec
			continue
		}
		slots[p] = cache.CloneVector(vec)
	}
}

// withPosition maps the index carried by an oversize error (relative to the
// texts of the remote call) back to a batch position via posOf.
func withPosition(err error, posOf []int) error {
	var oe *encoder.OversizeInputError
	if errors.As(err, &oe) && oe.Index >= 0 && oe.Index < len(posOf) {
		return &positionError{pos: posOf[oe.Index], err: err}
	}
	return err
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
