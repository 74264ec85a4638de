// Package core wires the fleet components into one coordination context.
//
// A Fleet owns the connection pool, the store client, the locker, the rate
// limiter, the pub/sub hub and the cron scheduler of a process. Components are
// created together by New and torn down together by Shutdown, so nothing
// lives in package-level state and tests can run isolated fleets side by side.
package core

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fleet/v1/cache"
	"github.com/mirkobrombin/go-fleet/v1/config"
	"github.com/mirkobrombin/go-fleet/v1/cron"
	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/pool"
	"github.com/mirkobrombin/go-fleet/v1/pubsub"
	"github.com/mirkobrombin/go-fleet/v1/ratelimit"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

type options struct {
	logger      *slog.Logger
	tracing     bool
	limiterOpts []ratelimit.Option
	cronOpts    []cron.Option
	onShutdown  []func(ctx context.Context) error
}

// Option configures a Fleet.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans in the locker and in guards built
// with NewGuard.
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

// WithLimiterOptions passes extra options to the rate limiter.
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(o *options) { o.limiterOpts = append(o.limiterOpts, opts...) }
}

// WithSchedulerOptions passes extra options to the cron scheduler.
func WithSchedulerOptions(opts ...cron.Option) Option {
	return func(o *options) { o.cronOpts = append(o.cronOpts, opts...) }
}

// WithShutdownHook runs fn after the pool has been shut down. Hooks run in
// registration order.
func WithShutdownHook(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.onShutdown = append(o.onShutdown, fn) }
}

// Fleet is the coordination context of one process.
type Fleet struct {
	id      string
	cfg     config.Config
	logger  *slog.Logger
	tracing bool
	hooks   []func(ctx context.Context) error

	pool    *pool.Pool
	store   *store.Client
	locks   *lock.Locker
	limiter *ratelimit.Limiter
	hub     *pubsub.Hub
	cron    *cron.Scheduler

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and builds a Fleet connecting to the configured store.
// Connections are dialed lazily.
func New(cfg config.Config, opts ...Option) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return newFleet(cfg, pool.NewDialer(cfg.Redis, o.logger), o), nil
}

// NewWithDialer builds a Fleet that opens store connections with dial instead
// of the dialer derived from cfg.Redis.
func NewWithDialer(cfg config.Config, dial pool.Dialer, opts ...Option) *Fleet {
	return newFleet(cfg, dial, buildOptions(opts))
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newFleet(cfg config.Config, dial pool.Dialer, o options) *Fleet {
	id := uuid.NewString()
	logger := o.logger.With("fleet", id)

	poolOpts := []pool.Option{pool.WithMaxSize(cfg.Redis.PoolSize), pool.WithLogger(logger)}
	if cfg.Redis.PoolBlocking {
		poolOpts = append(poolOpts, pool.WithBlocking())
	}
	p := pool.New(dial, poolOpts...)
	st := store.New(p, store.WithOpTimeout(cfg.Redis.OpTimeout.Std()), store.WithLogger(logger))

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	if o.tracing {
		lockOpts = append(lockOpts, lock.WithTracing())
	}
	locks := lock.New(st, lockOpts...)

	f := &Fleet{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		tracing: o.tracing,
		hooks:   o.onShutdown,
		pool:    p,
		store:   st,
		locks:   locks,
		limiter: ratelimit.New(st, append([]ratelimit.Option{ratelimit.WithLogger(logger)}, o.limiterOpts...)...),
		hub:     pubsub.NewHub(st, dial, pubsub.WithLogger(logger)),
		cron:    cron.NewScheduler(locks, append([]cron.Option{cron.WithLogger(logger)}, o.cronOpts...)...),
	}
	logger.Debug("fleet: created", "addr", cfg.Redis.Addr(), "pool_size", cfg.Redis.PoolSize)
	return f
}

// ID identifies this Fleet instance.
func (f *Fleet) ID() string { return f.id }

// Config returns the configuration the Fleet was built with.
func (f *Fleet) Config() config.Config { return f.cfg }

// Logger returns the fleet logger.
func (f *Fleet) Logger() *slog.Logger { return f.logger }

// Pool returns the connection pool.
func (f *Fleet) Pool() *pool.Pool { return f.pool }

// Store returns the store client.
func (f *Fleet) Store() *store.Client { return f.store }

// Locks returns the distributed locker.
func (f *Fleet) Locks() *lock.Locker { return f.locks }

// Limiter returns the rate limiter.
func (f *Fleet) Limiter() *ratelimit.Limiter { return f.limiter }

// Hub returns the pub/sub hub.
func (f *Fleet) Hub() *pubsub.Hub { return f.hub }

// Scheduler returns the cron scheduler. It is not started by New.
func (f *Fleet) Scheduler() *cron.Scheduler { return f.cron }

// Ping checks that a pooled connection can reach the store.
func (f *Fleet) Ping(ctx context.Context) error {
	return f.pool.WithResource(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// NewGuard returns a cache guard bound to f's store and locker.
func NewGuard[T any](f *Fleet, opts ...cache.Option) *cache.Guard[T] {
	base := []cache.Option{cache.WithLogger(f.logger)}
	if f.tracing {
		base = append(base, cache.WithTracing())
	}
	return cache.NewGuard[T](f.store, f.locks, append(base, opts...)...)
}

// Shutdown stops the scheduler, closes the hub, disconnects the pool and runs
// the shutdown hooks. Only the first call does any work; later calls return
// its result.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		var errs []error
		if err := f.cron.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := f.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := f.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, hook := range f.hooks {
			if err := hook(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		f.shutdownErr = stdErrors.Join(errs...)
		f.logger.Debug("fleet: shut down", "error", f.shutdownErr)
	})
	return f.shutdownErr
}
