package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownEncoders lists the encoder names registered by the textenc binary.
// [Validate] warns about names outside this list.
var KnownEncoders = []string{"openai", "ollama", "gemini"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Encoder
	enc := cfg.Encoder
	if enc.Name == "" {
		errs = append(errs, errors.New("encoder.name is required"))
	} else {
		warnUnknownEncoder("encoder", enc.Name)
	}
	errs = append(errs, validateEntry("encoder", enc.ProviderEntry)...)
	for i, fb := range enc.Fallbacks {
		prefix := fmt.Sprintf("encoder.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			warnUnknownEncoder(prefix, fb.Name)
		}
		errs = append(errs, validateEntry(prefix, fb)...)
		// Fallbacks write into the same cache namespace.
		if fb.Model != enc.Model {
			errs = append(errs, fmt.Errorf("%s.model %q must match encoder.model %q", prefix, fb.Model, enc.Model))
		}
		if fb.Dimensions != enc.Dimensions {
			errs = append(errs, fmt.Errorf("%s.dimensions %d must match encoder.dimensions %d", prefix, fb.Dimensions, enc.Dimensions))
		}
	}
	if enc.Breaker.MaxFailures < 0 || enc.Breaker.HalfOpenMax < 0 || enc.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("encoder.breaker values must not be negative"))
	}

	// Batch
	if cfg.Batch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch.batch_size must be positive, got %d", cfg.Batch.BatchSize))
	}
	if cfg.Batch.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_concurrency must be positive, got %d", cfg.Batch.MaxConcurrency))
	}

	// Cache
	if cfg.Cache.Enabled {
		errs = append(errs, validateCache(cfg.Cache)...)
	} else if cfg.Cache.Backend != "" {
		slog.Warn("cache.backend is set but cache.enabled is false; caching is off", "backend", cfg.Cache.Backend)
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("%s.dimensions must not be negative, got %d", prefix, e.Dimensions))
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative, got %s", prefix, e.Timeout))
	}
	return errs
}

func validateCache(c CacheConfig) []error {
	var errs []error
	if !c.Backend.IsValid() {
		return append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: file, pgvector, memory, tiered", c.Backend))
	}
	switch c.Backend {
	case CacheFile:
		if c.File.Dir == "" {
			errs = append(errs, errors.New("cache.file.dir is required when cache.backend is file"))
		}
	case CachePgvector, CacheTiered:
		if c.Pgvector.DSN == "" {
			errs = append(errs, fmt.Errorf("cache.pgvector.dsn is required when cache.backend is %s", c.Backend))
		}
	}
	if c.Memory.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.memory.size must not be negative, got %d", c.Memory.Size))
	}
	if c.Memory.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.memory.ttl must not be negative, got %s", c.Memory.TTL))
	}
	if c.Backend == CacheMemory {
		slog.Warn("cache.backend memory does not survive the process; use tiered or pgvector for a persistent cache")
	}
	return errs
}

// warnUnknownEncoder logs a warning if name is not a built-in encoder.
func warnUnknownEncoder(field, name string) {
	if slices.Contains(KnownEncoders, name) {
		return
	}
	slog.Warn("unknown encoder name, may be a typo or third-party encoder",
		"field", field,
		"name", name,
		"known", KnownEncoders,
	)
}
