package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/internal/encode"
	"github.com/MrWong99/textenc/internal/health"
	"github.com/MrWong99/textenc/internal/resilience"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/encoder"
)

// runtime holds the encoder and cache built from one config.
type runtime struct {
	enc      encoder.Provider
	failover *resilience.Encoder // nil without fallbacks
	backend  cache.Backend       // nil when caching is disabled
	ns       cache.Namespace
}

// newRuntime builds the encoder (with failover when fallbacks are
// configured) and, if enabled, the cache backend for its namespace.
func newRuntime(ctx context.Context, cfg *config.Config, reg *config.Registry) (*runtime, error) {
	enc, failover, err := buildEncoder(cfg.Encoder, reg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		enc:      enc,
		failover: failover,
		ns:       cache.Namespace{Model: enc.ModelID(), Dimensions: enc.Dimensions()},
	}
	if err := rt.ns.Validate(); err != nil {
		return nil, fmt.Errorf("encoder %q: %w", cfg.Encoder.Name, err)
	}

	if cfg.Cache.Enabled {
		rt.backend, err = reg.CreateCache(ctx, cfg.Cache, rt.ns)
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", cfg.Cache.Backend, err)
		}
	}
	slog.Info("runtime ready",
		"encoder", cfg.Encoder.Name,
		"namespace", rt.ns.String(),
		"fallbacks", len(cfg.Encoder.Fallbacks),
		"cache", cacheLabel(cfg.Cache),
	)
	return rt, nil
}

func buildEncoder(ec config.EncoderConfig, reg *config.Registry) (encoder.Provider, *resilience.Encoder, error) {
	primary, err := reg.CreateEncoder(ec.ProviderEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("encoder %q: %w", ec.Name, err)
	}
	if len(ec.Fallbacks) == 0 {
		return primary, nil, nil
	}

	fo := resilience.NewEncoder(primary, ec.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  ec.Breaker.MaxFailures,
			ResetTimeout: ec.Breaker.ResetTimeout,
			HalfOpenMax:  ec.Breaker.HalfOpenMax,
		},
	})
	for i, entry := range ec.Fallbacks {
		name := fmt.Sprintf("%s#%d", entry.Name, i+1)
		p, err := reg.CreateEncoder(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("encoder fallback %s: %w", name, err)
		}
		if err := fo.AddFallback(name, p); err != nil {
			return nil, nil, err
		}
	}
	return fo, fo, nil
}

// orchestrator returns an encode.Orchestrator over rt's encoder and cache.
func (rt *runtime) orchestrator(bc config.BatchConfig, extra ...encode.Option) (*encode.Orchestrator, error) {
	opts := []encode.Option{
		encode.WithBatchSize(bc.BatchSize),
		encode.WithMaxConcurrency(bc.MaxConcurrency),
	}
	if rt.backend != nil {
		opts = append(opts, encode.WithCache(rt.backend))
	}
	return encode.New(rt.enc, append(opts, extra...)...)
}

// checkers returns the readiness checks for rt.
func (rt *runtime) checkers() []health.Checker {
	var out []health.Checker
	if rt.backend != nil {
		out = append(out, health.CacheChecker(rt.backend))
	}
	if rt.failover != nil {
		out = append(out, health.EncoderChecker(rt.failover.States))
	}
	return out
}

// Close releases the cache backend's resources.
func (rt *runtime) Close() {
	if c, ok := rt.backend.(cache.Closer); ok {
		c.Close()
	}
}

func cacheLabel(c config.CacheConfig) string {
	if !c.Enabled {
		return "off"
	}
	return string(c.Backend)
}
