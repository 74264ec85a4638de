package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// LPush prepends values to the list at key and returns its new length.
func (c *Client) LPush(ctx context.Context, key string, values ...any) (int64, error) {
	enc, err := encodeAll(values)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.LPush(ctx, key, enc...).Result()
		return err
	})
	return n, err
}

// RPop removes and returns the last element of the list at key.
func (c *Client) RPop(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		s, err := rc.RPop(ctx, key).Result()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		v, found = s, true
		return nil
	})
	return v, found, err
}

// RPopCount removes and returns up to n elements from the tail of the list.
func (c *Client) RPopCount(ctx context.Context, key string, n int) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		vals, err := rc.RPopCount(ctx, key, n).Result()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		out = vals
		return err
	})
	return out, err
}

// BRPop waits up to timeout for an element on any of keys. A zero timeout
// blocks until ctx is done. The pooled connection stays borrowed while
// waiting.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, found bool, err error) {
	err = c.doTimeout(ctx, blockingDeadline(c.timeout, timeout), func(ctx context.Context, rc *redis.Client) error {
		vals, err := rc.BRPop(ctx, timeout, keys...).Result()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		key, value, found = vals[0], vals[1], true
		return nil
	})
	return key, value, found, err
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

// LTrim keeps only the elements between start and stop, inclusive.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		return rc.LTrim(ctx, key, start, stop).Err()
	})
}

// LRem removes count occurrences of value from the list at key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	v, err := Encode(value)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.LRem(ctx, key, count, v).Result()
		return err
	})
	return n, err
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...any) (int64, error) {
	enc, err := encodeAll(members)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.SAdd(ctx, key, enc...).Result()
		return err
	})
	return n, err
}

// SPop removes and returns a random member of the set at key.
func (c *Client) SPop(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		s, err := rc.SPop(ctx, key).Result()
		if stdErrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		v, found = s, true
		return nil
	})
	return v, found, err
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...any) (int64, error) {
	enc, err := encodeAll(members)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.SRem(ctx, key, enc...).Result()
		return err
	})
	return n, err
}

// SMembers returns every member of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		out, err = rc.SMembers(ctx, key).Result()
		return err
	})
	return out, err
}

// SCard returns the cardinality of the set at key.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.SCard(ctx, key).Result()
		return err
	})
	return n, err
}

// ZAdd queues member with priority. An existing member only has its score
// raised, never lowered.
func (c *Client) ZAdd(ctx context.Context, key string, member any, priority Priority) (int64, error) {
	v, err := Encode(member)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.ZAddGT(ctx, key, redis.Z{Score: float64(priority), Member: v}).Result()
		return err
	})
	return n, err
}

// ZPopMax removes and returns the member with the highest priority.
func (c *Client) ZPopMax(ctx context.Context, key string) (member string, priority Priority, found bool, err error) {
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		zs, err := rc.ZPopMax(ctx, key).Result()
		if err != nil || len(zs) == 0 {
			return err
		}
		member, priority, found = toString(zs[0].Member), Priority(zs[0].Score), true
		return nil
	})
	return member, priority, found, err
}

// ZRangeByScore returns members whose priority is at most upTo.
func (c *Client) ZRangeByScore(ctx context.Context, key string, upTo Priority) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		out, err = rc.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: formatScore(float64(upTo)),
		}).Result()
		return err
	})
	return out, err
}

// ZRem removes members from the sorted set at key.
func (c *Client) ZRem(ctx context.Context, key string, members ...any) (int64, error) {
	enc, err := encodeAll(members)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.do(ctx, func(ctx context.Context, rc *redis.Client) error {
		var err error
		n, err = rc.ZRem(ctx, key, enc...).Result()
		return err
	})
	return n, err
}

// BZPopMax waits up to timeout for the highest priority member of key. A zero
// timeout waits until ctx is done. The set is polled with ZPopMax, so no
// pooled connection is held between attempts.
func (c *Client) BZPopMax(ctx context.Context, timeout time.Duration, key string) (member string, priority Priority, found bool, err error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	interval := popPollInterval
	if timeout > 0 && timeout/10 < interval {
		interval = max(timeout/10, time.Millisecond)
	}
	for {
		member, priority, found, err = c.ZPopMax(ctx, key)
		if found || (err != nil && ctx.Err() == nil) {
			return member, priority, found, err
		}
		if ctx.Err() != nil {
			return "", 0, false, parent.Err()
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", 0, false, parent.Err()
		case <-t.C:
		}
	}
}

const popPollInterval = 50 * time.Millisecond

// blockingDeadline extends the per-command deadline by the server side wait.
// A zero wait blocks indefinitely, so only ctx bounds it.
func blockingDeadline(op, wait time.Duration) time.Duration {
	if wait <= 0 || op <= 0 {
		return 0
	}
	return op + wait
}

func encodeAll(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		enc, err := Encode(v)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

func toString(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case []byte:
		return string(m)
	}
	return fmt.Sprint(v)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
