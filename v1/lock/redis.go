package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

const (
	// DefaultTTL is used when Acquire or TryLock get a zero ttl.
	DefaultTTL = 10 * time.Second
	// DefaultRetrySleep is used when Acquire gets a zero retry delay.
	DefaultRetrySleep = 500 * time.Millisecond
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/lock")

// Lock is a held lock. It is returned by Locker and handed back to Release.
type Lock struct {
	Name  string
	Key   string
	Token string
	TTL   time.Duration
}

// Key returns the store key guarding name.
func Key(name string) string { return name + ".lock" }

// Locker acquires and releases locks through a store client.
type Locker struct {
	st       *store.Client
	logger   *slog.Logger
	hostname string
	pid      int
	counter  atomic.Uint64
	tracing  bool
	now      func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger used for release warnings.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Locker) {
		if l != nil {
			lk.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans for Acquire and Release.
func WithTracing() Option {
	return func(lk *Locker) { lk.tracing = true }
}

// WithHostname overrides the host part of lock tokens.
func WithHostname(h string) Option {
	return func(lk *Locker) {
		if h != "" {
			lk.hostname = h
		}
	}
}

// New returns a Locker using st.
func New(st *store.Client, opts ...Option) *Locker {
	lk := &Locker{
		st:       st,
		logger:   slog.Default(),
		hostname: shortHostname(),
		pid:      os.Getpid(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

func shortHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return strings.SplitN(h, ".", 2)[0]
}

func (lk *Locker) token() string {
	return fmt.Sprintf("%s.%d.%d.%d", lk.hostname, lk.pid, lk.now().UnixMilli(), lk.counter.Add(1))
}

// TryLock makes a single attempt to take name for ttl. ok is false when the
// lock is held by someone else.
func (lk *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Lock{Name: name, Key: Key(name), Token: lk.token(), TTL: ttl}
	ok, err := lk.st.SetNX(ctx, l.Key, l.Token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.LockContendedCounter.Inc()
		return nil, false, nil
	}
	metrics.LockAcquiredCounter.Inc()
	return l, true, nil
}

// Acquire polls every retrySleep until name is obtained. It gives up with
// ErrLockTimeout once ttl+retrySleep has elapsed since the first attempt, or
// earlier with the context error when ctx ends. No store connection is held
// while sleeping.
func (lk *Locker) Acquire(ctx context.Context, name string, ttl, retrySleep time.Duration) (_ *Lock, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retrySleep <= 0 {
		retrySleep = DefaultRetrySleep
	}
	if lk.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("fleet.lock.name", name),
			attribute.Int64("fleet.lock.ttl_ms", ttl.Milliseconds()),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	l := &Lock{Name: name, Key: Key(name), Token: lk.token(), TTL: ttl}
	deadline := lk.now().Add(ttl + retrySleep)
	attempts := 0
	for {
		attempts++
		ok, err := lk.st.SetNX(ctx, l.Key, l.Token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.LockAcquiredCounter.Inc()
			return l, nil
		}
		metrics.LockContendedCounter.Inc()

		remaining := deadline.Sub(lk.now())
		if remaining <= 0 {
			metrics.LockTimeoutCounter.Inc()
			return nil, fmt.Errorf("%w: %s not obtained within %v after %d attempts",
				fleeterrors.ErrLockTimeout, name, ttl, attempts)
		}
		wait := retrySleep
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release deletes the lock if it still holds l's token. An expired or stolen
// lock is logged and left alone; only store failures are returned.
func (lk *Locker) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	if lk.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
			attribute.String("fleet.lock.name", l.Name),
		))
		defer span.End()
	}
	res, err := lk.st.CompareAndDelete(ctx, l.Key, l.Token)
	if err != nil {
		return err
	}
	switch res {
	case -1:
		metrics.LockReleaseMismatchCounter.Inc()
		lk.logger.Warn("fleet: could not unlock, lock does not exist", "key", l.Key, "token", l.Token)
	case 0:
		metrics.LockReleaseMismatchCounter.Inc()
		lk.logger.Warn("fleet: could not unlock, lock value mismatch", "key", l.Key, "token", l.Token)
	}
	return nil
}

// Do acquires name, runs fn and releases the lock whatever fn returns.
func (lk *Locker) Do(ctx context.Context, name string, ttl, retrySleep time.Duration, fn func(ctx context.Context) error) error {
	l, err := lk.Acquire(ctx, name, ttl, retrySleep)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		if rerr := lk.Release(context.WithoutCancel(ctx), l); rerr != nil {
			lk.logger.Error("fleet: release failed", "key", l.Key, "error", rerr)
		}
	}()
	return fn(ctx)
}
