// Package runconfig resolves the deduplicated RunConfiguration for an event.
//
// Resolution is optimistic: look the natural key up, create it when absent,
// and on a uniqueness conflict re-read the row the winning writer created.
// Storage is responsible for rejecting the duplicate; the resolver only
// absorbs the conflict.
package runconfig

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/metric"
	"github.com/c360/triage/pkg/cache"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Fallbacks for blank event fields.
const (
	UnknownAppVersion  = "unknown"
	DefaultTestSuite   = "default"
	DefaultEnvironment = "default"
)

// Resolver finds or creates the RunConfiguration for an event.
type Resolver struct {
	store   storage.ConfigStore
	cache   *cache.LRU[*types.RunConfiguration]
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time
	newID   func() string

	cacheSize int
	registry  *metric.MetricsRegistry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records conflicts and cache activity.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(r *Resolver) { r.registry = reg }
}

// WithCacheSize bounds the key cache; zero disables it.
func WithCacheSize(n int) Option {
	return func(r *Resolver) { r.cacheSize = n }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver over store.
func NewResolver(store storage.ConfigStore, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		cacheSize: 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runconfig")
	r.metrics = r.registry.Core()

	if r.cacheSize > 0 {
		lru, err := cache.NewLRU(r.cacheSize,
			cache.WithMetrics[*types.RunConfiguration](r.registry, "runconfig"),
			cache.WithEvictionCallback(func(key string, _ *types.RunConfiguration) {
				r.logger.Debug("evicted run configuration from cache", "key", key)
			}))
		if err != nil {
			return nil, errors.Wrap(err, "Resolver", "NewResolver", "create cache")
		}
		r.cache = lru
	}
	return r, nil
}

// Fields returns the normalized appVersion, testSuite and environment
// name used to build the key.
func Fields(ev *types.FailureEvent) (appVersion, testSuite, environment string) {
	pick := func(v, fallback string) string {
		if v = strings.TrimSpace(v); v == "" {
			return fallback
		}
		return v
	}
	return pick(ev.AppVersion, UnknownAppVersion),
		pick(ev.TestSuite, DefaultTestSuite),
		pick(ev.Environment.Name, DefaultEnvironment)
}

// NaturalKey is lowercase(appVersion|testSuite|environmentName).
func NaturalKey(ev *types.FailureEvent) string {
	app, suite, env := Fields(ev)
	return strings.ToLower(app + "|" + suite + "|" + env)
}

// Resolve returns the single configuration for the event's natural key,
// creating it if needed. Concurrent callers with the same key all get the
// same configuration.
func (r *Resolver) Resolve(ctx context.Context, ev *types.FailureEvent) (*types.RunConfiguration, error) {
	key := NaturalKey(ev)

	if r.cache != nil {
		if cfg, ok := r.cache.Get(key); ok {
			return cfg, nil
		}
	}

	cfg, err := r.store.FindConfig(ctx, key)
	if err == nil {
		r.remember(key, cfg)
		return cfg, nil
	}
	if !errors.IsNotFound(err) {
		return nil, errors.Wrap(err, "Resolver", "Resolve", "find configuration")
	}

	app, suite, env := Fields(ev)
	candidate := &types.RunConfiguration{
		ID:              r.newID(),
		AppVersion:      app,
		TestSuite:       suite,
		EnvironmentName: env,
		NaturalKey:      key,
		CreatedAt:       r.now().UTC(),
	}

	createErr := r.store.CreateConfig(ctx, candidate)
	if createErr == nil {
		r.logger.Debug("created run configuration", "key", key, "id", candidate.ID)
		r.remember(key, candidate)
		return candidate, nil
	}
	if !errors.Is(createErr, errors.ErrDuplicateKey) {
		return nil, errors.Wrap(createErr, "Resolver", "Resolve", "create configuration")
	}

	// Lost the race; the winner's row must now be visible.
	r.metrics.RecordConfigConflict()
	cfg, err = r.store.FindConfig(ctx, key)
	if err != nil {
		r.logger.Error("configuration vanished after duplicate-key conflict",
			"key", key,
			"run_id", ev.RunID,
			"conflict", createErr,
			"reread_error", err)
		r.metrics.RecordError("runconfig", errors.ErrorFatal.String())
		return nil, errors.WrapFatal(errors.ErrStorageInconsistent, "Resolver", "Resolve",
			"re-read configuration "+key)
	}
	r.remember(key, cfg)
	return cfg, nil
}

// CacheStats returns the key cache counters, or nil when caching is off.
func (r *Resolver) CacheStats() *cache.Statistics {
	if r.cache == nil {
		return nil
	}
	return r.cache.Stats()
}

func (r *Resolver) remember(key string, cfg *types.RunConfiguration) {
	if r.cache != nil {
		_, _ = r.cache.Set(key, cfg)
	}
}
