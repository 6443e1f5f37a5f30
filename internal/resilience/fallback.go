package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/textenc/internal/observe"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each member's breaker. Name is
	// replaced by the member name.
	CircuitBreaker CircuitBreakerConfig

	// Terminal reports errors that end the attempt immediately instead of
	// moving to the next member. Terminal errors are also neutral for the
	// member's breaker. Context cancellation is always terminal.
	Terminal func(error) bool
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same kind.
// Calls go to the first member whose breaker admits them and move down the
// list on failure.
//
// Members must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are added.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	cbCfg.Neutral = g.terminal
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of members including the primary.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Primary returns the first member.
func (g *FallbackGroup[T]) Primary() T { return g.members[0].value }

// States returns each member's breaker state keyed by member name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

func (g *FallbackGroup[T]) terminal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return g.cfg.Terminal != nil && g.cfg.Terminal(err)
}

// Execute runs fn against members in order until one succeeds or returns a
// terminal error.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult is the value-returning form of [FallbackGroup.Execute].
// It is a function because methods cannot declare type parameters. Terminal
// errors are returned unwrapped; exhausting every member returns
// [ErrAllFailed] joined with the last error.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	log := observe.Logger(ctx)
	for i := range g.members {
		m := &g.members[i]
		var result R
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				log.Debug("served by fallback", "provider", m.name)
			}
			return result, nil
		}
		if g.terminal(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		log.Warn("provider failed, trying next", "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
