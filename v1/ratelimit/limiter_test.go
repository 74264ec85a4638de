package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/store/storetest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestAllowRejectsAfterLimit(t *testing.T) {
	st, mr := storetest.New(t, 1)
	clock := &fakeClock{t: time.UnixMilli(10_500)}
	l := New(st, WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := l.Allow(ctx, "api", 3, time.Second); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	err := l.Allow(ctx, "api", 3, time.Second)
	if !errors.Is(err, fleeterrors.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded on call 4, got %v", err)
	}
	if got, _ := mr.Get("rate.limit.api.10"); got != "4" {
		t.Fatalf("expected counter 4 got %q", got)
	}
	if ttl := mr.TTL("rate.limit.api.10"); ttl <= 0 || ttl > time.Second {
		t.Fatalf("expected counter to expire within the window, ttl %v", ttl)
	}

	clock.t = clock.t.Add(time.Second)
	if err := l.Allow(ctx, "api", 3, time.Second); err != nil {
		t.Fatalf("next window should start fresh: %v", err)
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	st, _ := storetest.New(t, 1)
	clock := &fakeClock{t: time.UnixMilli(0)}
	l := New(st, WithClock(clock.Now), WithPrefix("quota"))
	ctx := context.Background()

	if err := l.Allow(ctx, "a", 1, time.Minute); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := l.Allow(ctx, "b", 1, time.Minute); err != nil {
		t.Fatalf("b: %v", err)
	}
	if err := l.Allow(ctx, "a", 1, time.Minute); !errors.Is(err, fleeterrors.ErrRateLimitExceeded) {
		t.Fatalf("expected a to be limited, got %v", err)
	}
	if key := l.Key("a", time.Minute, clock.t); key != "quota.a.0" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestRemaining(t *testing.T) {
	st, _ := storetest.New(t, 1)
	clock := &fakeClock{t: time.UnixMilli(5_000)}
	l := New(st, WithClock(clock.Now))
	ctx := context.Background()

	if n, err := l.Remaining(ctx, "api", 2, time.Second); err != nil || n != 2 {
		t.Fatalf("expected 2 remaining, got %d err %v", n, err)
	}
	_ = l.Allow(ctx, "api", 2, time.Second)
	if n, _ := l.Remaining(ctx, "api", 2, time.Second); n != 1 {
		t.Fatalf("expected 1 remaining got %d", n)
	}
	_ = l.Allow(ctx, "api", 2, time.Second)
	_ = l.Allow(ctx, "api", 2, time.Second)
	if n, _ := l.Remaining(ctx, "api", 2, time.Second); n != 0 {
		t.Fatalf("expected 0 remaining got %d", n)
	}
}

func TestLocalLimitShedsBeforeStore(t *testing.T) {
	st, mr := storetest.New(t, 1)
	clock := &fakeClock{t: time.UnixMilli(0)}
	l := New(st, WithClock(clock.Now), WithLocalLimit(rate.Every(time.Hour), 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, "api", 100, time.Minute); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := l.Allow(ctx, "api", 100, time.Minute); !errors.Is(err, fleeterrors.ErrRateLimitExceeded) {
		t.Fatalf("expected local rejection, got %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one counter key, got %v", keys)
	}
	if got, _ := mr.Get(keys[0]); got != "2" {
		t.Fatalf("shed call must not reach the store, counter %q", got)
	}
}
