package pool

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fleet/v1/backoff"
	"github.com/mirkobrombin/go-fleet/v1/config"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// NewDialer returns a Dialer for cfg. Each connection is PINGed before it is
// handed out; failed attempts are retried with exponential backoff up to
// cfg.Retry.MaxAttempts times, after which ErrConnection is returned.
func NewDialer(cfg config.Redis, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	strategy := backoff.NewExponential(cfg.Retry.BaseSleepTime.Std(), cfg.Retry.MaxSleepTime.Std())
	return func(ctx context.Context) (*redis.Client, error) {
		opts := cfg.Options()
		opts.PoolSize = 1
		opts.MinIdleConns = 0

		var client *redis.Client
		attempt := 0
		err := backoff.Retry(ctx, strategy, cfg.Retry.MaxAttempts, func(ctx context.Context) error {
			attempt++
			c := redis.NewClient(opts)
			if err := c.Ping(ctx).Err(); err != nil {
				_ = c.Close()
				logger.Warn("fleet: redis connect attempt failed", "addr", opts.Addr, "attempt", attempt, "error", err)
				return err
			}
			client = c
			return nil
		})
		if err != nil {
			logger.Error("fleet: redis reconnect failed", "addr", opts.Addr, "attempts", attempt)
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", fleeterrors.ErrConnection, opts.Addr, attempt, err)
		}
		return client, nil
	}
}
