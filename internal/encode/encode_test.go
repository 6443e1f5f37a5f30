package encode

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/textenc/internal/observe"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/cache/filestore"
	"github.com/MrWong99/textenc/pkg/cache/memory"
	cachemock "github.com/MrWong99/textenc/pkg/cache/mock"
	"github.com/MrWong99/textenc/pkg/encoder"
	encmock "github.com/MrWong99/textenc/pkg/encoder/mock"
)

var testNS = cache.Namespace{Model: "fake-embed", Dimensions: 2}

// newTestMetrics returns isolated metrics and their reader.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// lenEncoder returns [len(t), len(t)] for every text.
func lenEncoder() *encmock.Provider {
	return &encmock.Provider{
		DimensionsValue: testNS.Dimensions,
		ModelIDValue:    testNS.Model,
		EncodeFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i, t := range texts {
				out[i] = []float32{float32(len(t)), float32(len(t))}
			}
			return out, nil
		},
	}
}

// indexEncoder expects texts of the form "t<i>" and returns [i, -i].
func indexEncoder(delay func(texts []string) time.Duration) *encmock.Provider {
	return &encmock.Provider{
		DimensionsValue: testNS.Dimensions,
		ModelIDValue:    testNS.Model,
		EncodeFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			if delay != nil {
				select {
				case <-time.After(delay(texts)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			out := make([][]float32, len(texts))
			for i, t := range texts {
				n, err := strconv.Atoi(strings.TrimPrefix(t, "t"))
				if err != nil {
					return nil, err
				}
				out[i] = []float32{float32(n), float32(-n)}
			}
			return out, nil
		},
	}
}

func indexedTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "t" + strconv.Itoa(i)
	}
	return out
}

func newOrchestrator(t *testing.T, enc encoder.Provider, opts ...Option) *Orchestrator {
	t.Helper()
	m, _ := newTestMetrics(t)
	o, err := New(enc, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

type encodeFunc func(*Orchestrator, context.Context, []string) ([][]float32, error)

var modes = []struct {
	name string
	fn   encodeFunc
}{
	{"sequential", (*Orchestrator).Encode},
	{"parallel", (*Orchestrator).EncodeParallel},
}

func assertIndexVectors(t *testing.T, got [][]float32, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("len(result) = %d, want %d", len(got), n)
	}
	for i, v := range got {
		if len(v) != 2 || v[0] != float32(i) || v[1] != float32(-i) {
			t.Fatalf("result[%d] = %v, want [%d %d]", i, v, i, -i)
		}
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 2, nil},
		{5, 2, []int{2, 2, 1}},
		{4, 2, []int{2, 2}},
		{3, 10, []int{3}},
		{1, 1, []int{1}},
	}
	for _, tc := range tests {
		chunks := Chunks(tc.n, tc.size)
		var sizes []int
		next := 0
		for i, c := range chunks {
			if c.Index != i || c.Start != next {
				t.Errorf("Chunks(%d,%d)[%d] = %+v, not contiguous", tc.n, tc.size, i, c)
			}
			next = c.End
			sizes = append(sizes, c.End-c.Start)
		}
		if !slices.Equal(sizes, tc.want) {
			t.Errorf("Chunks(%d,%d) sizes = %v, want %v", tc.n, tc.size, sizes, tc.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	enc := lenEncoder()
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil encoder")
	}
	if _, err := New(enc, WithBatchSize(0)); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := New(enc, WithMaxConcurrency(-1)); err == nil {
		t.Error("expected error for negative concurrency")
	}
	if _, err := New(&encmock.Provider{ModelIDValue: "m"}); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestEncode_Empty(t *testing.T) {
	enc := lenEncoder()
	backend := cachemock.New()
	o := newOrchestrator(t, enc, WithCache(backend))
	for _, mode := range modes {
		got, err := mode.fn(o, context.Background(), nil)
		if err != nil {
			t.Fatalf("%s: %v", mode.name, err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("%s: result = %#v, want empty non-nil", mode.name, got)
		}
	}
	if len(enc.Calls()) != 0 || len(backend.LoadManyCalls) != 0 {
		t.Error("empty input reached the encoder or the cache")
	}
}

func TestEncode_OrderPreservation(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		for _, mode := range modes {
			t.Run(fmt.Sprintf("%s/cache=%v", mode.name, withCache), func(t *testing.T) {
				// Later chunks finish first.
				enc := indexEncoder(func(texts []string) time.Duration {
					n, _ := strconv.Atoi(strings.TrimPrefix(texts[0], "t"))
					return time.Duration(30-n) * time.Millisecond
				})
				opts := []Option{WithBatchSize(3), WithMaxConcurrency(4)}
				if withCache {
					opts = append(opts, WithCache(memory.New(100, 0)))
				}
				o := newOrchestrator(t, enc, opts...)

				got, err := mode.fn(o, context.Background(), indexedTexts(23))
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				assertIndexVectors(t, got, 23)
			})
		}
	}
}

func TestEncode_ChunkBoundaries(t *testing.T) {
	enc := lenEncoder()
	o := newOrchestrator(t, enc, WithBatchSize(2))

	got, err := o.Encode(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len(result) = %d, want 5", len(got))
	}
	for i, v := range got {
		if v[0] != float32(i+1) {
			t.Errorf("result[%d] = %v, want [%d %d]", i, v, i+1, i+1)
		}
	}

	var sizes []int
	for _, c := range enc.Calls() {
		sizes = append(sizes, len(c.Texts))
	}
	if !slices.Equal(sizes, []int{2, 2, 1}) {
		t.Errorf("call sizes = %v, want [2 2 1]", sizes)
	}
}

func TestNew_BatchSizeRespectsEncoderLimit(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		limit     int
		wantSizes []int
	}{
		{"default lowered", nil, 2, []int{2, 2, 1}},
		{"configured lowered", []Option{WithBatchSize(4)}, 3, []int{3, 2}},
		{"configured below limit", []Option{WithBatchSize(2)}, 3, []int{2, 2, 1}},
		{"no limit", []Option{WithBatchSize(4)}, 0, []int{4, 1}},
	}
	for _, tc := range tests {
		for _, mode := range modes {
			t.Run(tc.name+"/"+mode.name, func(t *testing.T) {
				enc := indexEncoder(nil)
				enc.MaxBatchSizeValue = tc.limit
				inner := enc.EncodeFunc
				enc.EncodeFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
					if tc.limit > 0 && len(texts) > tc.limit {
						return nil, fmt.Errorf("%d texts exceed the limit of %d", len(texts), tc.limit)
					}
					return inner(ctx, texts)
				}
				o := newOrchestrator(t, enc, append(tc.opts, WithMaxConcurrency(1))...)

				got, err := mode.fn(o, context.Background(), indexedTexts(5))
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				assertIndexVectors(t, got, 5)

				var sizes []int
				for _, c := range enc.Calls() {
					sizes = append(sizes, len(c.Texts))
				}
				if !slices.Equal(sizes, tc.wantSizes) {
					t.Errorf("call sizes = %v, want %v", sizes, tc.wantSizes)
				}
			})
		}
	}
}

func TestReconcile_PartialHit(t *testing.T) {
	enc := lenEncoder()
	backend := cachemock.New()
	backend.Seed(testNS, "b", []float32{9, 9})
	m, _ := newTestMetrics(t)

	r, err := NewReconciler(enc, backend, m)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	got, err := r.Reconcile(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := [][]float32{{1, 1}, {9, 9}, {1, 1}}
	for i := range want {
		if !slices.Equal(got[i], want[i]) {
			t.Errorf("result[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	calls := enc.Calls()
	if len(calls) != 1 || !slices.Equal(calls[0].Texts, []string{"a", "c"}) {
		t.Fatalf("encoder calls = %+v, want one call with [a c]", calls)
	}

	wantSaved := []string{cache.TextKey(testNS, "a").ID, cache.TextKey(testNS, "c").ID}
	if saved := backend.SavedKeys(); !slices.Equal(saved, wantSaved) {
		t.Errorf("saved keys = %v, want %v", saved, wantSaved)
	}
	if got := backend.SaveManyCalls[0].Keys[1].Source; got != "c" {
		t.Errorf("saved source = %q, want %q", got, "c")
	}
}

func TestReconcile_AllHits(t *testing.T) {
	enc := lenEncoder()
	backend := cachemock.New()
	backend.Seed(testNS, "a", []float32{7, 7})
	m, _ := newTestMetrics(t)
	r, _ := NewReconciler(enc, backend, m)

	got, err := r.Reconcile(context.Background(), []string{"a", "a"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got[0][0] != 7 || got[1][0] != 7 {
		t.Errorf("result = %v", got)
	}
	if len(enc.Calls()) != 0 || len(backend.SaveManyCalls) != 0 {
		t.Error("all-hit batch reached the encoder or wrote to the cache")
	}
}

func TestReconcile_DuplicatesEncodedOnce(t *testing.T) {
	enc := lenEncoder()
	m, _ := newTestMetrics(t)
	r, _ := NewReconciler(enc, cachemock.New(), m)

	got, err := r.Reconcile(context.Background(), []string{"aa", "aa", "b", "aa"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if calls := enc.Calls(); len(calls) != 1 || !slices.Equal(calls[0].Texts, []string{"aa", "b"}) {
		t.Fatalf("encoder calls = %+v, want one call with [aa b]", calls)
	}
	if got[0][0] != 2 || got[1][0] != 2 || got[3][0] != 2 || got[2][0] != 1 {
		t.Errorf("result = %v", got)
	}
	got[0][0] = 100
	if got[1][0] == 100 || got[3][0] == 100 {
		t.Error("duplicate positions share a backing array")
	}
}

func TestReconcile_EmptyBatch(t *testing.T) {
	m, _ := newTestMetrics(t)
	r, _ := NewReconciler(lenEncoder(), cachemock.New(), m)
	if _, err := r.Reconcile(context.Background(), nil); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

func TestReconcile_CachedDimensionMismatch(t *testing.T) {
	backend := cachemock.New()
	backend.Seed(testNS, "a", []float32{1, 2, 3})
	m, _ := newTestMetrics(t)
	r, _ := NewReconciler(lenEncoder(), backend, m)

	if _, err := r.Reconcile(context.Background(), []string{"a"}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

func TestReconcile_EncoderShortResult(t *testing.T) {
	enc := lenEncoder()
	enc.EncodeFunc = func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1, 1}}, nil
	}
	backend := cachemock.New()
	m, _ := newTestMetrics(t)
	r, _ := NewReconciler(enc, backend, m)

	if _, err := r.Reconcile(context.Background(), []string{"a", "b"}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	if len(backend.SaveManyCalls) != 0 {
		t.Error("invalid encoder output was persisted")
	}
}

func TestEncode_IdempotentCaching(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			enc := indexEncoder(nil)
			o := newOrchestrator(t, enc, WithBatchSize(4), WithCache(memory.New(100, 0)))
			texts := indexedTexts(10)

			first, err := mode.fn(o, context.Background(), texts)
			if err != nil {
				t.Fatalf("first encode: %v", err)
			}
			firstCalls := len(enc.Calls())
			if firstCalls == 0 {
				t.Fatal("first encode made no remote calls")
			}

			second, err := mode.fn(o, context.Background(), texts)
			if err != nil {
				t.Fatalf("second encode: %v", err)
			}
			if n := len(enc.Calls()) - firstCalls; n != 0 {
				t.Errorf("second encode made %d remote calls, want 0", n)
			}
			for i := range first {
				if !slices.Equal(first[i], second[i]) {
					t.Errorf("result[%d] differs: %v vs %v", i, first[i], second[i])
				}
			}
		})
	}
}

// TestEncode_PerTextCacheSurvivesRechunking verifies that changing the batch
// size between runs still hits every cached text.
func TestEncode_PerTextCacheSurvivesRechunking(t *testing.T) {
	enc := indexEncoder(nil)
	backend := memory.New(100, 0)
	texts := indexedTexts(9)

	if _, err := newOrchestrator(t, enc, WithBatchSize(2), WithCache(backend)).Encode(context.Background(), texts); err != nil {
		t.Fatalf("first encode: %v", err)
	}
	enc.Reset()
	got, err := newOrchestrator(t, enc, WithBatchSize(4), WithCache(backend)).Encode(context.Background(), texts)
	if err != nil {
		t.Fatalf("second encode: %v", err)
	}
	if len(enc.Calls()) != 0 {
		t.Errorf("rechunked encode made %d remote calls, want 0", len(enc.Calls()))
	}
	assertIndexVectors(t, got, 9)
}

func TestEncode_WholeBatchBackend(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	enc := indexEncoder(nil)
	texts := indexedTexts(6)

	o := newOrchestrator(t, enc, WithBatchSize(3), WithCache(store))
	if _, err := o.Encode(context.Background(), texts); err != nil {
		t.Fatalf("first encode: %v", err)
	}
	if n := len(enc.Calls()); n != 2 {
		t.Fatalf("first encode calls = %d, want 2", n)
	}

	enc.Reset()
	got, err := o.EncodeParallel(context.Background(), texts)
	if err != nil {
		t.Fatalf("second encode: %v", err)
	}
	if n := len(enc.Calls()); n != 0 {
		t.Errorf("identical batches made %d remote calls, want 0", n)
	}
	assertIndexVectors(t, got, 6)

	// Different batch boundaries miss entirely.
	enc.Reset()
	o2 := newOrchestrator(t, enc, WithBatchSize(2), WithCache(store))
	if _, err := o2.Encode(context.Background(), texts); err != nil {
		t.Fatalf("rechunked encode: %v", err)
	}
	if got := len(enc.EncodedTexts()); got != 6 {
		t.Errorf("rechunked encode sent %d texts, want 6", got)
	}
}

func TestEncode_FailClosedOnCacheOutage(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			enc := lenEncoder()
			backend := cachemock.New()
			backend.LoadErr = fmt.Errorf("%w: connection refused", cache.ErrUnavailable)
			o := newOrchestrator(t, enc, WithBatchSize(2), WithCache(backend))

			got, err := mode.fn(o, context.Background(), []string{"a", "b", "c"})
			if !errors.Is(err, cache.ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
			var ce *ChunkError
			if !errors.As(err, &ce) {
				t.Fatalf("err is %T, want *ChunkError", err)
			}
			if got != nil {
				t.Errorf("result = %v, want nil", got)
			}
			if n := len(enc.Calls()); n != 0 {
				t.Errorf("encoder called %d times during a cache outage", n)
			}
		})
	}
}

func TestEncode_CacheWriteFailureIsNonFatal(t *testing.T) {
	enc := lenEncoder()
	backend := cachemock.New()
	backend.SaveErr = fmt.Errorf("%w: disk full", cache.ErrWrite)
	m, reader := newTestMetrics(t)

	o, err := New(enc, WithMetrics(m), WithCache(backend))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := o.Encode(context.Background(), []string{"a", "bb"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("result = %v", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var writeErrs int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "textenc.cache.write_errors" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				writeErrs += dp.Value
			}
		}
	}
	if writeErrs != 1 {
		t.Errorf("cache write errors = %d, want 1", writeErrs)
	}
}

func TestEncodeParallel_ConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	base := indexEncoder(nil)
	enc := &encmock.Provider{
		DimensionsValue: testNS.Dimensions,
		ModelIDValue:    testNS.Model,
		EncodeFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			delay := 10 * time.Millisecond
			if texts[0] == "t5" {
				delay = 80 * time.Millisecond
			}
			time.Sleep(delay)
			return base.EncodeFunc(ctx, texts)
		},
	}
	o := newOrchestrator(t, enc, WithBatchSize(1), WithMaxConcurrency(2), WithCache(memory.New(100, 0)))

	got, err := o.EncodeParallel(context.Background(), indexedTexts(10))
	if err != nil {
		t.Fatalf("EncodeParallel: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
	if p := peak.Load(); p < 2 {
		t.Errorf("peak in-flight = %d, chunks never overlapped", p)
	}
	assertIndexVectors(t, got, 10)
}

func TestEncodeParallel_FailFast(t *testing.T) {
	boom := &encoder.BackendError{Provider: "fake", StatusCode: 503, Err: errors.New("unavailable")}
	enc := indexEncoder(nil)
	inner := enc.EncodeFunc
	enc.EncodeFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if slices.Contains(texts, "t4") {
			return nil, boom
		}
		return inner(ctx, texts)
	}
	o := newOrchestrator(t, enc, WithBatchSize(2), WithMaxConcurrency(2))

	got, err := o.EncodeParallel(context.Background(), indexedTexts(10))
	if got != nil {
		t.Errorf("result = %v, want nil", got)
	}
	if !errors.Is(err, encoder.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("err is %T, want *ChunkError", err)
	}
	if ce.Chunk != 2 || ce.Start != 4 || ce.End != 6 || ce.Position != -1 {
		t.Errorf("ChunkError = %+v, want chunk 2 [4,6) position -1", ce)
	}
}

func TestEncodeParallel_CrossChunkDedupe(t *testing.T) {
	enc := lenEncoder()
	inner := enc.EncodeFunc
	enc.EncodeFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		time.Sleep(20 * time.Millisecond)
		return inner(ctx, texts)
	}
	o := newOrchestrator(t, enc, WithBatchSize(2), WithMaxConcurrency(4), WithCache(memory.New(100, 0)))
	texts := []string{"x", "yy", "x", "zzz", "yy", "x", "zzz", "w"}

	got, err := o.EncodeParallel(context.Background(), texts)
	if err != nil {
		t.Fatalf("EncodeParallel: %v", err)
	}
	for i, tx := range texts {
		if got[i][0] != float32(len(tx)) {
			t.Errorf("result[%d] = %v, want len(%q)", i, got[i], tx)
		}
	}

	sent := enc.EncodedTexts()
	slices.Sort(sent)
	if want := []string{"w", "x", "yy", "zzz"}; !slices.Equal(sent, want) {
		t.Errorf("remote texts = %v, want each unique text once %v", sent, want)
	}
}

// TestEncodeParallel_OwnerFailurePropagates verifies that a chunk awaiting a
// text owned by another chunk fails with the owner's error instead of
// re-encoding it.
func TestEncodeParallel_OwnerFailurePropagates(t *testing.T) {
	enc := lenEncoder()
	enc.EncodeFunc = func(context.Context, []string) ([][]float32, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, &encoder.BackendError{Provider: "fake", StatusCode: 429, Err: errors.New("rate limited")}
	}
	o := newOrchestrator(t, enc, WithBatchSize(1), WithMaxConcurrency(2), WithCache(memory.New(10, 0)))

	_, err := o.EncodeParallel(context.Background(), []string{"shared", "shared"})
	if !errors.Is(err, encoder.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	if n := len(enc.Calls()); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
}

// TestReconcile_AwaitedOversizeReportsWaiterPosition covers a batch that
// awaits a text another batch owns and is rejected for size: the waiter
// reports the text's position in its own batch.
func TestReconcile_AwaitedOversizeReportsWaiterPosition(t *testing.T) {
	const long = "dddddddddd"
	release := make(chan struct{})
	ownerStarted := make(chan struct{})
	waiterEncoded := make(chan struct{})

	enc := lenEncoder()
	inner := enc.EncodeFunc
	enc.EncodeFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if slices.Contains(texts, long) {
			close(ownerStarted)
			<-release
			return nil, encoder.NewOversizeInputError("fake", texts, errors.New("too many tokens"))
		}
		defer close(waiterEncoded)
		return inner(ctx, texts)
	}
	m, _ := newTestMetrics(t)
	r, err := NewReconciler(enc, cachemock.New(), m)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	flights := newFlightTable()
	ctx := context.Background()

	ownerErr := make(chan error, 1)
	go func() {
		_, err := r.reconcile(ctx, []string{"ok", long}, flights)
		ownerErr <- err
	}()
	<-ownerStarted

	waiterErr := make(chan error, 1)
	go func() {
		_, err := r.reconcile(ctx, []string{"a", "b", long}, flights)
		waiterErr <- err
	}()
	<-waiterEncoded
	close(release)

	for name, want := range map[string]struct {
		ch  chan error
		pos int
	}{"owner": {ownerErr, 1}, "waiter": {waiterErr, 2}} {
		err := <-want.ch
		if !errors.Is(err, encoder.ErrOversizeInput) {
			t.Fatalf("%s err = %v, want ErrOversizeInput", name, err)
		}
		var pe *positionError
		if !errors.As(err, &pe) || pe.pos != want.pos {
			t.Errorf("%s position = %+v, want %d", name, pe, want.pos)
		}
	}
	if n := len(enc.Calls()); n != 2 {
		t.Errorf("remote calls = %d, want 2 (long text sent once)", n)
	}
}

func TestEncode_OversizePosition(t *testing.T) {
	oversize := func(_ context.Context, texts []string) ([][]float32, error) {
		for _, tx := range texts {
			if len(tx) > 5 {
				return nil, encoder.NewOversizeInputError("fake", texts, errors.New("too many tokens"))
			}
		}
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1, 1}
		}
		return out, nil
	}
	texts := []string{"a", "b", "c", "dddddddddd", "e"}

	for _, withCache := range []bool{false, true} {
		t.Run(fmt.Sprintf("cache=%v", withCache), func(t *testing.T) {
			enc := lenEncoder()
			enc.EncodeFunc = oversize
			opts := []Option{WithBatchSize(2)}
			if withCache {
				backend := cachemock.New()
				backend.Seed(testNS, "c", []float32{3, 3})
				opts = append(opts, WithCache(backend))
			}
			o := newOrchestrator(t, enc, opts...)

			_, err := o.Encode(context.Background(), texts)
			if !errors.Is(err, encoder.ErrOversizeInput) {
				t.Fatalf("err = %v, want ErrOversizeInput", err)
			}
			var ce *ChunkError
			if !errors.As(err, &ce) {
				t.Fatalf("err is %T, want *ChunkError", err)
			}
			if ce.Chunk != 1 || ce.Position != 3 {
				t.Errorf("ChunkError = %+v, want chunk 1 position 3", ce)
			}
			if !strings.Contains(err.Error(), "input 3") {
				t.Errorf("error message %q lacks the position", err.Error())
			}
		})
	}
}

func TestEncode_Progress(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			var (
				mu    sync.Mutex
				dones []int
				total int
			)
			o := newOrchestrator(t, lenEncoder(), WithBatchSize(2), WithMaxConcurrency(3),
				WithProgress(func(done, tot int) {
					mu.Lock()
					defer mu.Unlock()
					dones = append(dones, done)
					total = tot
				}))

			if _, err := mode.fn(o, context.Background(), []string{"a", "b", "c", "d", "e"}); err != nil {
				t.Fatalf("encode: %v", err)
			}
			if total != 3 {
				t.Errorf("total = %d, want 3", total)
			}
			if !slices.Equal(dones, []int{1, 2, 3}) {
				t.Errorf("progress = %v, want [1 2 3]", dones)
			}
		})
	}
}

func TestEncode_ContextCancelled(t *testing.T) {
	enc := indexEncoder(func([]string) time.Duration { return time.Second })
	o := newOrchestrator(t, enc, WithBatchSize(1), WithMaxConcurrency(2))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := o.EncodeParallel(ctx, indexedTexts(4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("EncodeParallel did not return promptly after cancellation")
	}
}
