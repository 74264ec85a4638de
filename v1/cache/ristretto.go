package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// nearCache is a process-local ristretto layer in front of the store.
type nearCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newNearCache(ttl time.Duration, maxCost int64) (*nearCache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &nearCache{c: rc, ttl: ttl}, nil
}

func (n *nearCache) get(key string) (any, bool) {
	return n.c.Get(key)
}

// set keeps v for the shorter of the near-cache TTL and the store TTL. A
// non-positive store TTL means the store keeps the key forever.
func (n *nearCache) set(key string, v any, cost int64, storeTTL time.Duration) {
	ttl := n.ttl
	if storeTTL > 0 && storeTTL < ttl {
		ttl = storeTTL
	}
	if cost < 1 {
		cost = 1
	}
	n.c.SetWithTTL(key, v, cost, ttl)
	n.c.Wait()
}

func (n *nearCache) del(key string) {
	n.c.Del(key)
	n.c.Wait()
}

func (n *nearCache) close() { n.c.Close() }
