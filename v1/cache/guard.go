package cache

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/cache")

// ComputeFunc produces the value for a missing key. Returning ok=false means
// there is nothing to cache and nothing is returned to the caller.
type ComputeFunc[T any] func(ctx context.Context) (value T, ok bool, err error)

type options struct {
	codec       Codec
	nearTTL     time.Duration
	nearMaxCost int64
	tracing     bool
	logger      *slog.Logger
}

// Option configures a Guard.
type Option func(*options)

// WithCodec sets the codec used for stored values. Default is JSONCodec.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithNearCache keeps decoded values in a local ristretto cache for up to ttl,
// bounded by maxCost bytes of encoded data.
func WithNearCache(ttl time.Duration, maxCost int64) Option {
	return func(o *options) {
		o.nearTTL = ttl
		o.nearMaxCost = maxCost
	}
}

// WithTracing enables OpenTelemetry spans.
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

// WithLogger sets the guard logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Guard is a stampede-safe read-through cache over the shared store.
type Guard[T any] struct {
	st    *store.Client
	locks *lock.Locker
	codec Codec
	near  *nearCache

	tracing bool
	logger  *slog.Logger
}

// NewGuard returns a Guard storing values through st and serializing
// computations with locks.
func NewGuard[T any](st *store.Client, locks *lock.Locker, opts ...Option) *Guard[T] {
	o := options{codec: JSONCodec{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Guard[T]{st: st, locks: locks, codec: o.codec, tracing: o.tracing, logger: o.logger}
	if o.nearTTL > 0 {
		near, err := newNearCache(o.nearTTL, o.nearMaxCost)
		if err != nil {
			g.logger.Warn("fleet: near cache disabled", "error", err)
		} else {
			g.near = near
		}
	}
	return g
}

// Get returns the cached value for key, if any.
func (g *Guard[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if g.near != nil {
		if v, ok := g.near.get(key); ok {
			if val, ok := v.(T); ok {
				return val, true, nil
			}
		}
	}
	data, found, err := g.st.Get(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	var v T
	if err := g.codec.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	if g.near != nil {
		ttl, err := g.st.TTL(ctx, key)
		if err == nil && ttl != store.KeyMissing {
			g.near.set(key, v, int64(len(data)), ttl)
		}
	}
	return v, true, nil
}

// Set stores value under key for ttl. A zero ttl keeps the value until it is
// invalidated.
func (g *Guard[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := g.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if _, err := g.st.Set(ctx, key, data, store.SetOptions{TTL: ttl}); err != nil {
		return err
	}
	if g.near != nil {
		g.near.set(key, value, int64(len(data)), ttl)
	}
	return nil
}

// Invalidate removes key from the store and the near-cache.
func (g *Guard[T]) Invalidate(ctx context.Context, key string) error {
	if g.near != nil {
		g.near.del(key)
	}
	_, err := g.st.Del(ctx, key)
	return err
}

// GetOrCompute returns the value stored at key, computing and storing it with
// ttl on a miss. Only one caller across the fleet computes at a time: the
// others wait up to lockWait for the key's lock and then read what the winner
// stored. A caller that cannot get the lock in time receives ok=false and no
// error. Compute errors are returned after the lock has been released.
func (g *Guard[T]) GetOrCompute(ctx context.Context, key string, ttl, lockWait time.Duration, compute ComputeFunc[T]) (value T, ok bool, err error) {
	if g.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Guard.GetOrCompute", trace.WithAttributes(attribute.String("fleet.cache.key", key)))
		defer func() {
			span.SetAttributes(attribute.Bool("fleet.cache.found", ok))
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	var zero T
	if v, found, err := g.Get(ctx, key); err != nil || found {
		if found {
			metrics.CacheHitCounter.Inc()
		}
		return v, found, err
	}
	metrics.CacheMissCounter.Inc()

	if lockWait <= 0 {
		lockWait = lock.DefaultTTL
	}
	retry := lockWait / 100
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	l, err := g.locks.Acquire(ctx, key, lockWait, retry)
	if stdErrors.Is(err, fleeterrors.ErrLockTimeout) {
		g.logger.Warn("fleet: cache lock not obtained", "key", key, "wait", lockWait)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	defer func() {
		if rerr := g.locks.Release(context.WithoutCancel(ctx), l); rerr != nil {
			g.logger.Error("fleet: cache lock release failed", "key", key, "error", rerr)
		}
	}()

	// Another instance may have filled the key while we waited.
	if v, found, err := g.Get(ctx, key); err != nil || found {
		return v, found, err
	}

	metrics.CacheComputeCounter.Inc()
	v, ok, err := compute(ctx)
	if err != nil || !ok {
		return zero, false, err
	}
	if err := g.Set(ctx, key, v, ttl); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Close releases the near-cache, if any.
func (g *Guard[T]) Close() {
	if g.near != nil {
		g.near.close()
	}
}
