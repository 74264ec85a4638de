// Package presets builds a Fleet for the common deployment shapes without
// writing a configuration file.
package presets

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-fleet/v1/config"
	"github.com/mirkobrombin/go-fleet/v1/core"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// PoolSize bounds concurrent store operations. Zero keeps the default.
	PoolSize int
}

func (o RedisOptions) config(blocking bool) (config.Config, error) {
	cfg := config.Default()
	if o.Addr != "" {
		host, port, err := net.SplitHostPort(o.Addr)
		if err != nil {
			return config.Config{}, fmt.Errorf("presets: addr %q: %w", o.Addr, err)
		}
		if cfg.Redis.Port, err = strconv.Atoi(port); err != nil {
			return config.Config{}, fmt.Errorf("presets: port %q: %w", port, err)
		}
		cfg.Redis.Host = host
	}
	cfg.Redis.Password = o.Password
	cfg.Redis.DB = o.DB
	if o.PoolSize > 0 {
		cfg.Redis.PoolSize = o.PoolSize
	}
	cfg.Redis.PoolBlocking = blocking
	return cfg, nil
}

// NewRedis creates a Fleet whose pool fails fast with ErrPoolExhausted when
// every connection is busy. Suitable for request paths that should shed load.
func NewRedis(opts RedisOptions, fleetOpts ...core.Option) (*core.Fleet, error) {
	cfg, err := opts.config(false)
	if err != nil {
		return nil, err
	}
	return core.New(cfg, fleetOpts...)
}

// NewRedisQueued creates a Fleet whose pool queues callers until a connection
// is released. Suitable for background workers.
func NewRedisQueued(opts RedisOptions, fleetOpts ...core.Option) (*core.Fleet, error) {
	cfg, err := opts.config(true)
	if err != nil {
		return nil, err
	}
	return core.New(cfg, fleetOpts...)
}

// NewInMemoryStandalone creates a Fleet backed by an embedded in-process Redis
// server with no external dependencies. The server stops when the Fleet shuts
// down. Useful for local development; state is not shared with other
// processes.
func NewInMemoryStandalone(fleetOpts ...core.Option) (*core.Fleet, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("presets: embedded server: %w", err)
	}
	stop := core.WithShutdownHook(func(ctx context.Context) error {
		mr.Close()
		return nil
	})
	f, err := NewRedisQueued(RedisOptions{Addr: mr.Addr()}, append(fleetOpts, stop)...)
	if err != nil {
		mr.Close()
		return nil, err
	}
	return f, nil
}
