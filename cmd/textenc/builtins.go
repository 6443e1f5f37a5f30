package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/cache/filestore"
	"github.com/MrWong99/textenc/pkg/cache/memory"
	"github.com/MrWong99/textenc/pkg/cache/pgvector"
	"github.com/MrWong99/textenc/pkg/cache/tiered"
	"github.com/MrWong99/textenc/pkg/encoder"
	"github.com/MrWong99/textenc/pkg/encoder/gemini"
	"github.com/MrWong99/textenc/pkg/encoder/ollama"
	"github.com/MrWong99/textenc/pkg/encoder/openai"
)

// registerBuiltins wires every encoder and cache backend shipped with
// textenc into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Encoders ──────────────────────────────────────────────────────────────

	reg.RegisterEncoder("openai", func(entry config.ProviderEntry) (encoder.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, openai.WithDimensions(entry.Dimensions))
		}
		if org, ok := optString(entry.Options, "organization"); ok {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEncoder("ollama", func(entry config.ProviderEntry) (encoder.Provider, error) {
		var opts []ollama.Option
		if entry.Timeout > 0 {
			opts = append(opts, ollama.WithTimeout(entry.Timeout))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, ollama.WithDimensions(entry.Dimensions))
		}
		return ollama.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEncoder("gemini", func(entry config.ProviderEntry) (encoder.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, gemini.WithTimeout(entry.Timeout))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, gemini.WithDimensions(entry.Dimensions))
		}
		if tt, ok := optString(entry.Options, "task_type"); ok {
			opts = append(opts, gemini.WithTaskType(tt))
		}
		return gemini.New(context.Background(), apiKey(entry, "GEMINI_API_KEY"), entry.Model, opts...)
	})

	// ── Cache backends ────────────────────────────────────────────────────────

	reg.RegisterCache(config.CacheFile, func(_ context.Context, cfg config.CacheConfig, ns cache.Namespace) (cache.Backend, error) {
		// One directory per namespace so clear never touches other models.
		return filestore.New(filepath.Join(cfg.File.Dir, ns.UUID().String()))
	})

	reg.RegisterCache(config.CachePgvector, func(ctx context.Context, cfg config.CacheConfig, ns cache.Namespace) (cache.Backend, error) {
		return newPgvector(ctx, cfg.Pgvector, ns)
	})

	reg.RegisterCache(config.CacheMemory, func(_ context.Context, cfg config.CacheConfig, _ cache.Namespace) (cache.Backend, error) {
		return memory.New(cfg.Memory.Size, cfg.Memory.TTL), nil
	})

	reg.RegisterCache(config.CacheTiered, func(ctx context.Context, cfg config.CacheConfig, ns cache.Namespace) (cache.Backend, error) {
		back, err := newPgvector(ctx, cfg.Pgvector, ns)
		if err != nil {
			return nil, err
		}
		s, err := tiered.New(memory.New(cfg.Memory.Size, cfg.Memory.TTL), back)
		if err != nil {
			back.Close()
			return nil, err
		}
		return s, nil
	})
}

func newPgvector(ctx context.Context, cfg config.PgvectorCacheConfig, ns cache.Namespace) (*pgvector.Store, error) {
	var opts []pgvector.Option
	if cfg.Collection != "" {
		opts = append(opts, pgvector.WithCollection(cfg.Collection))
	}
	if cfg.SkipMigrate {
		opts = append(opts, pgvector.WithoutMigrate())
	}
	return pgvector.New(ctx, cfg.DSN, ns, opts...)
}

// apiKey returns entry.APIKey or, when empty, the value of envVar.
func apiKey(entry config.ProviderEntry, envVar string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(envVar)
}

func optString(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
