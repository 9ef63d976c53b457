// Package client assembles the synchronization core from a configuration.
//
// A Client owns one cache store, one in-flight registry, one event bus and
// one reconciler, shared by every screen of the app:
//
//	cfg, err := config.Load("mealsync.yaml")
//	c, err := client.New(ctx, cfg)
//	defer c.Close(ctx)
//
//	lists, err := c.Meals.ShoppingLists(ctx)
//	unsub := events.OnUpdated(c.Bus, meal.TopicShoppingList, render)
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/config"
	"github.com/jonwraymond/mealsync/diff"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/health"
	"github.com/jonwraymond/mealsync/inflight"
	"github.com/jonwraymond/mealsync/invalidate"
	"github.com/jonwraymond/mealsync/meal"
	"github.com/jonwraymond/mealsync/mutation"
	"github.com/jonwraymond/mealsync/observe"
	"github.com/jonwraymond/mealsync/resilience"
	"github.com/jonwraymond/mealsync/session"
	"github.com/jonwraymond/mealsync/swr"
)

// Client is the assembled synchronization core.
type Client struct {
	// Meals serves the meal-planning screens.
	Meals *meal.Service

	// Bus delivers created/updated/deleted events to screens.
	Bus *events.Bus

	// Session holds the bearer token; call Set after re-authentication.
	Session *session.JWTSource

	// Health reports backend and background refresh status.
	Health *health.Aggregator

	Coordinator *swr.Coordinator
	Reconciler  *mutation.Reconciler
	Invalidator *invalidate.Invalidator

	store    cache.Store
	observer observe.Observer
	logger   observe.Logger
	closers  []func() error
}

type options struct {
	httpClient       *http.Client
	clock            clockwork.Clock
	secrets          []config.SecretProvider
	onSessionExpired func(ctx context.Context, key string, err error)
	redis            redis.UniversalClient
}

// Option configures New.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock sets the clock for TTLs, token expiry and health.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSecretProviders sets the providers resolving secretref values. The
// env provider is always available.
func WithSecretProviders(p ...config.SecretProvider) Option {
	return func(o *options) { o.secrets = append(o.secrets, p...) }
}

// WithSessionExpiredHandler sets the hook called when a background refresh
// finds the session expired.
func WithSessionExpiredHandler(fn func(ctx context.Context, key string, err error)) Option {
	return func(o *options) { o.onSessionExpired = fn }
}

// WithRedisClient supplies the client for the redis persistence backend
// instead of dialing persistence.redis_addr.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// New builds a Client from cfg. cfg is not modified.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	conf := *cfg
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := conf.ResolveSecrets(ctx, append([]config.SecretProvider{config.EnvSecrets{}}, o.secrets...)...); err != nil {
		return nil, err
	}

	obs, err := observe.NewObserver(ctx, conf.Observe)
	if err != nil {
		return nil, fmt.Errorf("client: observer: %w", err)
	}
	in, err := observe.InstrumentationFromObserver(obs)
	if err != nil {
		return nil, fmt.Errorf("client: instrumentation: %w", err)
	}
	c := &Client{observer: obs, logger: in.Logger().With(observe.Field{Key: "component", Value: "client"})}

	engine := diff.New(conf.Diff.VolatileFields...)
	store, err := c.openStore(ctx, conf, o, engine, in.Logger())
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.store = store

	tokens, err := session.NewJWTSource(conf.Backend.Token,
		session.WithClock(o.clock),
		session.WithLeeway(conf.Backend.TokenLeeway),
	)
	if err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("client: session token: %w", err)
	}
	c.Session = tokens

	api, err := fetch.NewHTTPAccessor(fetch.HTTPConfig{
		BaseURL: conf.Backend.BaseURL,
		Tokens:  tokens,
		Client:  o.httpClient,
		Timeout: conf.Backend.Timeout,
		Retry: resilience.RetryConfig{
			MaxAttempts: conf.Backend.MaxAttempts,
			Jitter:      true,
			Clock:       o.clock,
		},
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  conf.Backend.BreakerThreshold,
			ResetTimeout: conf.Backend.BreakerReset,
			Clock:        o.clock,
		},
		Logger: in.Logger(),
	})
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	c.Bus = events.NewBus(in.Logger())
	tracker := health.NewRefreshTracker(o.clock)

	c.Coordinator, err = swr.New(swr.Deps{
		Store:            store,
		Registry:         inflight.New(inflight.Config{OpTimeout: conf.Sync.OperationTimeout}),
		Bus:              c.Bus,
		Diff:             engine,
		Instrumentation:  in,
		Bulkhead:         resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: conf.Sync.BackgroundConcurrency}),
		Tracker:          tracker,
		OnSessionExpired: o.onSessionExpired,
		Timeout:          conf.Sync.ForegroundTimeout,
	})
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	rules := meal.DefaultRules()
	maps.Copy(rules, conf.Invalidation)
	c.Invalidator = invalidate.New(store, rules, in)
	c.Reconciler = mutation.NewReconciler(mutation.Config{
		Store:           store,
		Bus:             c.Bus,
		Invalidator:     c.Invalidator,
		Instrumentation: in,
	})

	c.Meals, err = meal.NewService(meal.Config{
		Accessor:    api,
		Coordinator: c.Coordinator,
		Reconciler:  c.Reconciler,
		TTL: meal.TTLs{
			ShoppingLists: conf.Cache.Resources.ShoppingLists,
			Menus:         conf.Cache.Resources.Menus,
			Fridge:        conf.Cache.Resources.Fridge,
			Family:        conf.Cache.Resources.Family,
		},
	})
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	c.Health = health.NewAggregator(conf.Health.CheckTimeout)
	c.Health.Register(health.NewSyncChecker(tracker, health.SyncCheckerConfig{
		DegradedAfter: conf.Health.DegradedAfter,
		MaxSilence:    conf.Health.MaxSilence,
		Clock:         o.clock,
	}))
	c.Health.Register(health.NewBreakerChecker(api.Breaker()))

	return c, nil
}

func (c *Client) openStore(ctx context.Context, conf config.Config, o options, engine *diff.Engine, logger observe.Logger) (cache.Store, error) {
	mem := cache.NewMemoryStore(
		cache.Policy{DefaultTTL: conf.Cache.DefaultTTL, MaxTTL: conf.Cache.MaxTTL},
		cache.WithClock(o.clock),
		cache.WithFingerprinter(engine.Fingerprint),
	)

	var kv cache.KV
	switch conf.Persistence.Backend {
	case config.PersistenceFile:
		fkv, err := cache.NewFileKV(conf.Persistence.Dir)
		if err != nil {
			return nil, err
		}
		kv = fkv
	case config.PersistenceRedis:
		rdb := o.redis
		if rdb == nil {
			owned := redis.NewClient(&redis.Options{
				Addr:     conf.Persistence.RedisAddr,
				Password: conf.Persistence.RedisPassword,
				DB:       conf.Persistence.RedisDB,
			})
			c.closers = append(c.closers, owned.Close)
			rdb = owned
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("client: redis %s: %w", conf.Persistence.RedisAddr, err)
		}
		kv = cache.NewRedisKV(rdb, conf.Persistence.RedisPrefix)
	default:
		return mem, nil
	}

	store := cache.NewPersistentStore(mem, kv, logger)
	n := store.Load(ctx)
	c.logger.Info(ctx, "cache restored",
		observe.Field{Key: "backend", Value: conf.Persistence.Backend},
		observe.Field{Key: "entries", Value: n},
	)
	return store, nil
}

// Store returns the shared cache store.
func (c *Client) Store() cache.Store { return c.store }

// Invalidate clears every key matching the textual patterns.
func (c *Client) Invalidate(ctx context.Context, patterns ...string) ([]string, error) {
	return c.Invalidator.InvalidateText(ctx, patterns...)
}

// Wait blocks until background refreshes started so far have finished.
func (c *Client) Wait() {
	if c.Coordinator != nil {
		c.Coordinator.Wait()
	}
}

// Close waits for background refreshes, then releases persistence and
// telemetry resources.
func (c *Client) Close(ctx context.Context) error {
	c.Wait()

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.observer != nil {
		if err := c.observer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
