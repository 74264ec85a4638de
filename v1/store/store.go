// Package store is the typed key-value client the fleet components talk to.
//
// Every call borrows one pooled connection for the duration of a single store
// command (or MULTI/EXEC transaction) and returns it before yielding. Values
// that are not strings, byte slices, numbers or booleans are JSON encoded.
package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fleet/v1/pool"
)

const defaultOpTimeout = 5 * time.Second

// Sentinels returned by TTL.
const (
	NoExpiry   time.Duration = -1
	KeyMissing time.Duration = -2
)

// Priority is the score used by the sorted-set helpers.
type Priority float64

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// compareAndDelete deletes KEYS[1] only when it still holds ARGV[1].
// It returns -1 when the key is absent, 0 on mismatch and 1 once deleted.
var compareAndDelete = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return -1
end
if v ~= ARGV[1] then
    return 0
end
return redis.call("DEL", KEYS[1])
`)

// SetOptions modifies Set.
type SetOptions struct {
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration
	// NX only sets the key when it does not exist.
	NX bool
}

// Client issues store commands over a connection pool.
type Client struct {
	pool    *pool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithOpTimeout bounds every non-blocking command. Non-positive values disable
// the per-command deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client backed by p.
func New(p *pool.Pool, opts ...Option) *Client {
	c := &Client{pool: p, timeout: defaultOpTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

func (c *Client) do(ctx context.Context, fn func(ctx context.Context, rc *redis.Client) error) error {
	return c.doTimeout(ctx, c.timeout, fn)
}

func (c *Client) doTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, rc *redis.Client) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.pool.WithResource(ctx, fn)
}

// Get returns the value stored at key. found is false when the key does not
// exist.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		b, err := rc.Get(ctx, key).Bytes()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = b, true
		return nil
	})
	return value, found, err
}

// Set stores value at key. It reports whether the key was written, which is
// only false when opts.NX is set and the key already existed.
func (c *Client) Set(ctx context.Context, key string, value any, opts SetOptions) (bool, error) {
	v, err := Encode(value)
	if err != nil {
		return false, err
	}
	var ok bool
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		args := redis.SetArgs{TTL: opts.TTL}
		if opts.NX {
			args.Mode = "NX"
		}
		res, err := rc.SetArgs(ctx, key, v, args).Result()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = res == "OK"
		return nil
	})
	return ok, err
}

// SetNX stores value at key with ttl only if the key does not exist.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.Set(ctx, key, value, SetOptions{TTL: ttl, NX: true})
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// IncrExpire increments key and sets its expiry in one transaction, returning
// the post-increment value.
func (c *Client) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var incr *redis.IntCmd
		_, err := rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.Incr(ctx, key)
			if ttl > 0 {
				p.PExpire(ctx, key, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = incr.Val()
		return nil
	})
	return n, err
}

// TTL returns the remaining time to live of key, or NoExpiry / KeyMissing.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		d, err = rc.PTTL(ctx, key).Result()
		return err
	})
	return d, err
}

// Keys returns the keys matching pattern.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		keys, err = rc.Keys(ctx, pattern).Result()
		return err
	})
	return keys, err
}

// Publish sends message on topic and returns the number of receivers.
func (c *Client) Publish(ctx context.Context, topic string, message any) (int64, error) {
	v, err := Encode(message)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.Publish(ctx, topic, v).Result()
		return err
	})
	return n, err
}

// CompareAndDelete deletes key only if it holds token. It returns -1 when the
// key was absent, 0 when it held another value and 1 when it was deleted.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = compareAndDelete.Run(ctx, rc, []string{key}, token).Int64()
		return err
	})
	return n, err
}

// Encode converts v into a value the store accepts verbatim. Strings, byte
// slices, numbers and booleans pass through; anything else is JSON encoded.
func Encode(v any) (any, error) {
	switch v.(type) {
	case string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return v, nil
	case nil:
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode %T: %w", v, err)
	}
	return string(b), nil
}
