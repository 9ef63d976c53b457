// Package config loads the synchronization core configuration.
//
// Configuration is YAML. Before parsing, ${VAR} references are expanded
// strictly: a referenced variable missing from the environment is an error,
// and $$ produces a literal $. Secret-bearing values may instead hold a
// secretref:<provider>:<ref> reference, resolved by ResolveSecrets.
//
//	backend:
//	  base_url: ${MEALSYNC_API}
//	  token: secretref:file:session.jwt
//	cache:
//	  default_ttl: 5m
//	  resources:
//	    fridge: 1m
//	persistence:
//	  backend: file
//	  dir: /var/lib/mealsync
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/invalidate"
	"github.com/jonwraymond/mealsync/observe"
)

// Persistence backends.
const (
	PersistenceMemory = "memory"
	PersistenceFile   = "file"
	PersistenceRedis  = "redis"
)

// Config is the complete configuration.
type Config struct {
	Backend      BackendConfig       `yaml:"backend"`
	Cache        CacheConfig         `yaml:"cache"`
	Sync         SyncConfig          `yaml:"sync"`
	Diff         DiffConfig          `yaml:"diff"`
	Invalidation map[string][]string `yaml:"invalidation"`
	Persistence  PersistenceConfig   `yaml:"persistence"`
	Health       HealthConfig        `yaml:"health"`
	Observe      observe.Config      `yaml:"observe"`
}

// BackendConfig configures the remote API.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`

	// Token is the session JWT, or a secretref.
	Token            string        `yaml:"token"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	TokenLeeway      time.Duration `yaml:"token_leeway"`
}

// CacheConfig configures entry lifetimes.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`

	// Resources overrides DefaultTTL per resource. Zero keeps the default.
	Resources ResourceTTLs `yaml:"resources"`
}

// ResourceTTLs are per-resource cache lifetimes.
type ResourceTTLs struct {
	ShoppingLists time.Duration `yaml:"shopping_lists"`
	Menus         time.Duration `yaml:"menus"`
	Fridge        time.Duration `yaml:"fridge"`
	Family        time.Duration `yaml:"family"`
}

// SyncConfig configures fetch coordination.
type SyncConfig struct {
	// ForegroundTimeout bounds a caller waiting on a cache miss.
	ForegroundTimeout time.Duration `yaml:"foreground_timeout"`

	// OperationTimeout bounds a shared fetch regardless of its waiters.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// BackgroundConcurrency caps concurrent background refreshes.
	BackgroundConcurrency int `yaml:"background_concurrency"`
}

// DiffConfig configures change detection.
type DiffConfig struct {
	VolatileFields []string `yaml:"volatile_fields"`
}

// PersistenceConfig selects where cache entries survive restarts.
type PersistenceConfig struct {
	Backend       string `yaml:"backend"` // memory|file|redis
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// HealthConfig configures background refresh health.
type HealthConfig struct {
	DegradedAfter int           `yaml:"degraded_after"`
	MaxSilence    time.Duration `yaml:"max_silence"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	policy := cache.DefaultPolicy()
	return Config{
		Backend: BackendConfig{
			Timeout:          10 * time.Second,
			MaxAttempts:      3,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
			TokenLeeway:      30 * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL: policy.DefaultTTL,
			MaxTTL:     policy.MaxTTL,
		},
		Sync: SyncConfig{
			ForegroundTimeout:     15 * time.Second,
			OperationTimeout:      30 * time.Second,
			BackgroundConcurrency: 4,
		},
		Persistence: PersistenceConfig{
			Backend:     PersistenceMemory,
			RedisPrefix: "mealsync",
		},
		Health: HealthConfig{
			DegradedAfter: 3,
			MaxSilence:    15 * time.Minute,
			CheckTimeout:  5 * time.Second,
		},
		Observe: observe.Config{
			ServiceName: "mealsync",
			Tracing:     observe.TracingConfig{Exporter: "none", SamplePct: 1},
			Metrics:     observe.MetricsConfig{Exporter: "none"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
	}
}

// Load reads, expands, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands and parses data over Default and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnvStrict(string(data))
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if u, err := url.Parse(c.Backend.BaseURL); c.Backend.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		add("backend.base_url %q must be an absolute URL", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		add("backend.timeout must be positive")
	}
	if c.Backend.MaxAttempts < 1 {
		add("backend.max_attempts must be at least 1")
	}
	if c.Backend.BreakerThreshold < 1 {
		add("backend.breaker_threshold must be at least 1")
	}
	if c.Backend.BreakerReset <= 0 {
		add("backend.breaker_reset must be positive")
	}
	if c.Backend.TokenLeeway < 0 {
		add("backend.token_leeway must not be negative")
	}

	if c.Cache.DefaultTTL < 0 {
		add("cache.default_ttl must not be negative")
	}
	if c.Cache.MaxTTL < 0 || (c.Cache.MaxTTL > 0 && c.Cache.DefaultTTL > c.Cache.MaxTTL) {
		add("cache.max_ttl must not be below cache.default_ttl")
	}
	for _, r := range []struct {
		name string
		ttl  time.Duration
	}{
		{"shopping_lists", c.Cache.Resources.ShoppingLists},
		{"menus", c.Cache.Resources.Menus},
		{"fridge", c.Cache.Resources.Fridge},
		{"family", c.Cache.Resources.Family},
	} {
		if r.ttl < 0 {
			add("cache.resources.%s must not be negative", r.name)
		}
	}

	if c.Sync.ForegroundTimeout <= 0 {
		add("sync.foreground_timeout must be positive")
	}
	if c.Sync.OperationTimeout < 0 {
		add("sync.operation_timeout must not be negative")
	}
	if c.Sync.BackgroundConcurrency < 1 {
		add("sync.background_concurrency must be at least 1")
	}

	for _, f := range c.Diff.VolatileFields {
		if strings.TrimSpace(f) == "" {
			add("diff.volatile_fields must not contain empty names")
			break
		}
	}

	if err := invalidate.Rules(c.Invalidation).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}

	switch c.Persistence.Backend {
	case "", PersistenceMemory:
	case PersistenceFile:
		if c.Persistence.Dir == "" {
			add("persistence.dir is required for the file backend")
		}
	case PersistenceRedis:
		if c.Persistence.RedisAddr == "" {
			add("persistence.redis_addr is required for the redis backend")
		}
	default:
		add("persistence.backend %q must be one of memory, file, redis", c.Persistence.Backend)
	}

	if c.Health.DegradedAfter < 1 {
		add("health.degraded_after must be at least 1")
	}
	if c.Health.MaxSilence <= 0 {
		add("health.max_silence must be positive")
	}
	if c.Health.CheckTimeout <= 0 {
		add("health.check_timeout must be positive")
	}

	if err := c.Observe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: observe: %w", ErrInvalid, err))
	}

	return errors.Join(errs...)
}
