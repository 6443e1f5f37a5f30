// Package mock provides a test double for the encoder.Provider interface.
//
// Use Provider to return deterministic vectors without a live backend and to
// verify exactly which texts reach the remote call.
//
// Example:
//
//	p := &mock.Provider{
//	    DimensionsValue: 2,
//	    ModelIDValue:    "test-embed-v1",
//	    EncodeFunc: func(_ context.Context, texts []string) ([][]float32, error) {
//	        out := make([][]float32, len(texts))
//	        for i, t := range texts {
//	            out[i] = []float32{float32(len(t)), float32(len(t))}
//	        }
//	        return out, nil
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/textenc/pkg/encoder"
)

// EncodeRawCall records a single invocation of EncodeRaw.
type EncodeRawCall struct {
	// Ctx is the context passed to EncodeRaw.
	Ctx context.Context
	// Texts is a copy of the slice passed to EncodeRaw.
	Texts []string
}

// Provider is a mock implementation of encoder.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EncodeFunc, if set, computes the result of EncodeRaw. It is called
	// without the mock's lock held, so it may block.
	EncodeFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// EncodeErr, if non-nil, is returned by EncodeRaw when EncodeFunc is nil.
	EncodeErr error

	// DimensionsValue is returned by Dimensions. When EncodeFunc and EncodeErr
	// are both unset, EncodeRaw returns zero vectors of this length.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// MaxBatchSizeValue is returned by MaxBatchSize. Zero means no limit.
	MaxBatchSizeValue int

	// --- Call records ---

	// EncodeRawCalls records every call to EncodeRaw in order.
	EncodeRawCalls []EncodeRawCall

	// CountTokensCallCount is the number of times CountTokens was called.
	CountTokensCallCount int
}

// EncodeRaw records the call and returns the configured result.
func (p *Provider) EncodeRaw(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EncodeRawCalls = append(p.EncodeRawCalls, EncodeRawCall{Ctx: ctx, Texts: cp})
	fn, err, dims := p.EncodeFunc, p.EncodeErr, p.DimensionsValue
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dims)
	}
	return out, nil
}

// CountTokens records the call and returns encoder.EstimateTokensAll(texts).
func (p *Provider) CountTokens(texts []string) int {
	p.mu.Lock()
	p.CountTokensCallCount++
	p.mu.Unlock()
	return encoder.EstimateTokensAll(texts)
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// MaxBatchSize returns MaxBatchSizeValue.
func (p *Provider) MaxBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MaxBatchSizeValue
}

// Calls returns a snapshot of the recorded EncodeRaw calls. Thread-safe.
func (p *Provider) Calls() []EncodeRawCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EncodeRawCall, len(p.EncodeRawCalls))
	copy(out, p.EncodeRawCalls)
	return out
}

// EncodedTexts returns every text passed to EncodeRaw across all calls, in
// call order. Thread-safe.
func (p *Provider) EncodedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.EncodeRawCalls {
		out = append(out, c.Texts...)
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EncodeRawCalls = nil
	p.CountTokensCallCount = 0
}

// Ensure Provider implements encoder.Provider at compile time.
var (
	_ encoder.Provider     = (*Provider)(nil)
	_ encoder.BatchLimiter = (*Provider)(nil)
)
