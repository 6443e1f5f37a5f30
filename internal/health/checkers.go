package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/textenc/internal/resilience"
	"github.com/MrWong99/textenc/pkg/cache"
)

// CacheChecker reports whether the cache backend answers. Backends that do
// not implement [cache.Pinger] are always ready.
func CacheChecker(b cache.Backend) Checker {
	return Checker{
		Name: "cache",
		Check: func(ctx context.Context) error {
			p, ok := b.(cache.Pinger)
			if !ok {
				return nil
			}
			return p.Ping(ctx)
		},
	}
}

// EncoderChecker reports the encoder as unready when every member's circuit
// breaker is open. states is typically [resilience.Encoder.States].
func EncoderChecker(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "encoder",
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return errors.New("no encoder configured")
			}
			var open []string
			for name, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
				open = append(open, name)
			}
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}
