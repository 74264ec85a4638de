// Package ratelimit enforces fixed-window request limits shared by every
// process talking to the same store.
//
// Each window is a counter key "<prefix>.<baseKey>.<bucket>" where bucket is
// the current time divided by the window resolution. A call increments the
// counter (setting the window expiry in the same transaction) and is rejected
// when the new count exceeds the limit, so exactly limit calls pass per window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

const (
	DefaultPrefix     = "rate.limit"
	DefaultResolution = time.Second
)

// Limiter is a fixed-window rate limiter backed by the store.
type Limiter struct {
	st     *store.Client
	prefix string
	now    func() time.Time
	logger *slog.Logger

	localRate  rate.Limit
	localBurst int
	mu         sync.Mutex
	local      map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix changes the key prefix.
func WithPrefix(p string) Option {
	return func(l *Limiter) {
		if p != "" {
			l.prefix = p
		}
	}
}

// WithClock overrides the time source used to pick windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLocalLimit adds a per-process token bucket per base key that rejects
// calls before they reach the store. It only sheds load; the store counter
// remains the authority.
func WithLocalLimit(r rate.Limit, burst int) Option {
	return func(l *Limiter) {
		if burst <= 0 {
			burst = 1
		}
		l.localRate = r
		l.localBurst = burst
	}
}

// WithLogger sets the limiter logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New returns a Limiter counting through st.
func New(st *store.Client, opts ...Option) *Limiter {
	l := &Limiter{
		st:     st,
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: slog.Default(),
		local:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key for baseKey in the window containing t.
func (l *Limiter) Key(baseKey string, resolution time.Duration, t time.Time) string {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	bucket := t.UnixMilli() / resolution.Milliseconds()
	return l.prefix + "." + baseKey + "." + strconv.FormatInt(bucket, 10)
}

// Allow counts one call against baseKey and returns ErrRateLimitExceeded when
// more than limit calls have been made in the current window of length
// resolution.
func (l *Limiter) Allow(ctx context.Context, baseKey string, limit int64, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if lim := l.localLimiter(baseKey); lim != nil && !lim.Allow() {
		metrics.RateLimitRejectedCounter.Inc()
		return fmt.Errorf("%w: %s shed locally", fleeterrors.ErrRateLimitExceeded, baseKey)
	}

	key := l.Key(baseKey, resolution, l.now())
	count, err := l.st.IncrExpire(ctx, key, resolution)
	if err != nil {
		return err
	}
	if count > limit {
		metrics.RateLimitRejectedCounter.Inc()
		l.logger.Debug("fleet: rate limit exceeded", "key", baseKey, "count", count, "limit", limit)
		return fmt.Errorf("%w: %d per %v", fleeterrors.ErrRateLimitExceeded, limit, resolution)
	}
	metrics.RateLimitAllowedCounter.Inc()
	return nil
}

// Remaining reports how many calls are left for baseKey in the current window.
func (l *Limiter) Remaining(ctx context.Context, baseKey string, limit int64, resolution time.Duration) (int64, error) {
	data, found, err := l.st.Get(ctx, l.Key(baseKey, resolution, l.now()))
	if err != nil {
		return 0, err
	}
	if !found {
		return limit, nil
	}
	used, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: counter %q: %w", data, err)
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

func (l *Limiter) localLimiter(baseKey string) *rate.Limiter {
	if l.localRate == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[baseKey]
	if !ok {
		lim = rate.NewLimiter(l.localRate, l.localBurst)
		l.local[baseKey] = lim
	}
	return lim
}
