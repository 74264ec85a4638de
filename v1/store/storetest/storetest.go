// Package storetest provides store clients backed by an in-process miniredis
// server for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fleet/v1/pool"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

// Dialer returns a pool.Dialer connecting to mr.
func Dialer(mr *miniredis.Miniredis) pool.Dialer {
	return func(ctx context.Context) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 1}), nil
	}
}

// New starts a miniredis server and returns a store client with a pool of
// size connections. Both are torn down when the test ends.
func New(t testing.TB, size int, opts ...pool.Option) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	opts = append([]pool.Option{pool.WithMaxSize(size)}, opts...)
	p := pool.New(Dialer(mr), opts...)
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
		mr.Close()
	})
	return store.New(p), mr
}
