package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/textenc/pkg/encoder"
)

// Encoder implements [encoder.Provider] over a primary encoder and fallbacks
// that serve the same model at the same dimensions, so cache entries written
// through any member stay valid for all of them.
//
// Oversize inputs and cancelled contexts are returned as-is: another replica
// of the same model would reject the input too.
type Encoder struct {
	group    *FallbackGroup[encoder.Provider]
	model    string
	dims     int
	maxBatch int // smallest member limit, 0 for none
}

var (
	_ encoder.Provider     = (*Encoder)(nil)
	_ encoder.BatchLimiter = (*Encoder)(nil)
)

// NewEncoder creates an [Encoder] with primary as the preferred member.
func NewEncoder(primary encoder.Provider, primaryName string, cfg FallbackConfig) *Encoder {
	userTerminal := cfg.Terminal
	cfg.Terminal = func(err error) bool {
		if errors.Is(err, encoder.ErrOversizeInput) {
			return true
		}
		return userTerminal != nil && userTerminal(err)
	}
	return &Encoder{
		group: NewFallbackGroup(primary, primaryName, cfg),
		model:    primary.ModelID(),
		dims:     primary.Dimensions(),
		maxBatch: encoder.MaxBatchSize(primary),
	}
}

// AddFallback registers p after the members already present. p must report
// the primary's ModelID and Dimensions.
func (e *Encoder) AddFallback(name string, p encoder.Provider) error {
	if p.ModelID() != e.model || p.Dimensions() != e.dims {
		return fmt.Errorf("resilience: fallback %q serves %s@%d, primary serves %s@%d",
			name, p.ModelID(), p.Dimensions(), e.model, e.dims)
	}
	if n := encoder.MaxBatchSize(p); n > 0 && (e.maxBatch == 0 || n < e.maxBatch) {
		e.maxBatch = n
	}
	e.group.AddFallback(name, p)
	return nil
}

// EncodeRaw sends texts to the first healthy member.
func (e *Encoder) EncodeRaw(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, e.group, func(ctx context.Context, p encoder.Provider) ([][]float32, error) {
		return p.EncodeRaw(ctx, texts)
	})
}

// CountTokens uses the primary's estimate.
func (e *Encoder) CountTokens(texts []string) int {
	return e.group.Primary().CountTokens(texts)
}

// Dimensions implements encoder.Provider.
func (e *Encoder) Dimensions() int { return e.dims }

// ModelID implements encoder.Provider.
func (e *Encoder) ModelID() string { return e.model }

// MaxBatchSize implements encoder.BatchLimiter with the smallest limit of
// any member, since any of them may serve a request.
func (e *Encoder) MaxBatchSize() int { return e.maxBatch }

// States reports the breaker state of each member.
func (e *Encoder) States() map[string]State { return e.group.States() }
