// Package encode turns arbitrarily long sequences of texts into vectors.
//
// An [Orchestrator] splits its input into contiguous chunks of at most
// BatchSize texts, runs each chunk through either the encoder directly or a
// cache-aware [Reconciler], and assembles the results by input position. The
// parallel variant bounds the number of chunks in flight with an errgroup.
//
// Failure is fail-fast: the first failing chunk aborts the call and is
// reported as a [*ChunkError]. No partial results are returned.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/textenc/internal/observe"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/encoder"
)

const (
	// DefaultBatchSize is the chunk size used when none is configured.
	DefaultBatchSize = 256

	// DefaultMaxConcurrency is the chunk concurrency ceiling used when none is
	// configured.
	DefaultMaxConcurrency = 5
)

// ProgressFunc receives the number of completed chunks and the total number
// of chunks. Calls are serialised and done is strictly increasing.
type ProgressFunc func(done, total int)

// Orchestrator drives encode calls. It is safe for concurrent use.
type Orchestrator struct {
	enc            encoder.Provider
	rec            *Reconciler
	dims           int
	batchSize      int
	maxConcurrency int
	progress       ProgressFunc
	metrics        *observe.Metrics
	backend        cache.Backend
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithBatchSize sets the maximum number of texts per chunk. The default is 256.
// New lowers it to the encoder's [encoder.BatchLimiter] limit when that is
// smaller.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		o.batchSize = n
	}
}

// WithMaxConcurrency sets how many chunks EncodeParallel runs at once. The
// default is 5.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrency = n
	}
}

// WithCache routes every chunk through a [Reconciler] over backend. Without
// it chunks go straight to the encoder.
func WithCache(backend cache.Backend) Option {
	return func(o *Orchestrator) {
		o.backend = backend
	}
}

// WithProgress installs an advisory progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// WithMetrics overrides the metrics sink. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator around enc.
func New(enc encoder.Provider, opts ...Option) (*Orchestrator, error) {
	if enc == nil {
		return nil, fmt.Errorf("encode: encoder must not be nil")
	}
	o := &Orchestrator{
		enc:            enc,
		batchSize:      DefaultBatchSize,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.batchSize <= 0 {
		return nil, fmt.Errorf("encode: batch size must be positive, got %d", o.batchSize)
	}
	if o.maxConcurrency <= 0 {
		return nil, fmt.Errorf("encode: max concurrency must be positive, got %d", o.maxConcurrency)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if limit := encoder.MaxBatchSize(enc); limit > 0 && o.batchSize > limit {
		slog.Info("batch size lowered to the encoder limit",
			"model", enc.ModelID(), "configured", o.batchSize, "limit", limit)
		o.batchSize = limit
	}
	o.dims = enc.Dimensions()
	if o.dims <= 0 {
		return nil, fmt.Errorf("encode: encoder %q reports %d dimensions", enc.ModelID(), o.dims)
	}
	if o.backend != nil {
		rec, err := NewReconciler(enc, o.backend, o.metrics)
		if err != nil {
			return nil, err
		}
		o.rec = rec
	}
	return o, nil
}

// Chunk is one contiguous slice [Start, End) of the input.
type Chunk struct {
	Index      int
	Start, End int
}

// Chunks partitions n items into consecutive chunks of at most size items.
// Only the last chunk may be shorter. n == 0 yields no chunks.
func Chunks(n, size int) []Chunk {
	if n <= 0 || size <= 0 {
		return nil
	}
	out := make([]Chunk, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		out = append(out, Chunk{Index: len(out), Start: start, End: min(start+size, n)})
	}
	return out
}

// Encode returns one vector per text in input order, processing chunks one
// after another.
func (o *Orchestrator) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return o.run(ctx, texts, 1)
}

// EncodeParallel returns the same result as Encode but runs up to
// MaxConcurrency chunks at once. Results are assembled by chunk position, not
// completion order.
func (o *Orchestrator) EncodeParallel(ctx context.Context, texts []string) ([][]float32, error) {
	return o.run(ctx, texts, o.maxConcurrency)
}

func (o *Orchestrator) run(ctx context.Context, texts []string, limit int) (_ [][]float32, err error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	chunks := Chunks(len(texts), o.batchSize)
	limit = min(limit, len(chunks))

	ctx, span := observe.StartSpan(ctx, "encode.Encode",
		trace.WithAttributes(
			attribute.Int("texts", len(texts)),
			attribute.Int("chunks", len(chunks)),
			attribute.Int("concurrency", limit),
			attribute.Bool("cache", o.rec != nil),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	log := observe.Logger(ctx)
	start := time.Now()
	log.Info("encode started",
		"texts", len(texts),
		"chunks", len(chunks),
		"batch_size", o.batchSize,
		"concurrency", limit,
		"model", o.enc.ModelID(),
	)
	defer func() {
		elapsed := time.Since(start)
		o.metrics.EncodeDuration.Record(ctx, elapsed.Seconds())
		if err != nil {
			log.Warn("encode failed", "texts", len(texts), "duration", elapsed, "err", err)
			return
		}
		log.Info("encode finished", "texts", len(texts), "chunks", len(chunks), "duration", elapsed)
	}()

	out := make([][]float32, len(texts))
	rep := newReporter(o.progress, len(chunks))
	flights := newFlightTable()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vecs, err := o.runChunk(gctx, c, texts[c.Start:c.End], flights)
			if err != nil {
				return err
			}
			// Chunks own disjoint ranges of out.
			copy(out[c.Start:c.End], vecs)
			rep.chunkDone(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, v := range out {
		if len(v) != o.dims {
			return nil, invariantf("output %d has %d dims, want %d", i, len(v), o.dims)
		}
	}
	return out, nil
}

// runChunk encodes one chunk and wraps any failure in a *ChunkError.
func (o *Orchestrator) runChunk(ctx context.Context, c Chunk, texts []string, flights *flightTable) (_ [][]float32, err error) {
	ctx, span := observe.StartSpan(ctx, "encode.chunk",
		trace.WithAttributes(
			attribute.Int("chunk.index", c.Index),
			attribute.Int("chunk.start", c.Start),
			attribute.Int("chunk.size", len(texts)),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	o.metrics.InflightChunks.Add(ctx, 1)
	defer o.metrics.InflightChunks.Add(ctx, -1)

	var vecs [][]float32
	if o.rec != nil {
		vecs, err = o.rec.reconcile(ctx, texts, flights)
	} else {
		vecs, err = callRemote(ctx, o.enc, o.metrics, o.dims, texts)
		if err != nil {
			err = withPosition(err, identity(len(texts)))
		}
	}
	if err == nil && len(vecs) != len(texts) {
		err = invariantf("chunk %d produced %d vectors for %d texts", c.Index, len(vecs), len(texts))
	}
	if err != nil {
		o.metrics.RecordChunk(ctx, "error")
		return nil, chunkError(c, err)
	}
	o.metrics.RecordChunk(ctx, "ok")
	return vecs, nil
}

func chunkError(c Chunk, err error) *ChunkError {
	ce := &ChunkError{Chunk: c.Index, Start: c.Start, End: c.End, Position: -1, Err: err}
	var pe *positionError
	if errors.As(err, &pe) {
		ce.Position = c.Start + pe.pos
		ce.Err = pe.err
	}
	return ce
}

// reporter serialises progress callbacks.
type reporter struct {
	mu    sync.Mutex
	fn    ProgressFunc
	done  int
	total int
}

func newReporter(fn ProgressFunc, total int) *reporter {
	return &reporter{fn: fn, total: total}
}

func (r *reporter) chunkDone(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	observe.Logger(ctx).Debug("chunk done", "done", r.done, "total", r.total)
	if r.fn != nil {
		r.fn(r.done, r.total)
	}
}
