package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-fleet/v1/config"
	"github.com/mirkobrombin/go-fleet/v1/cron"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/pubsub"
	"github.com/mirkobrombin/go-fleet/v1/store/storetest"
)

func newTestFleet(t *testing.T, cfg config.Config, opts ...Option) (*Fleet, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	f := NewWithDialer(cfg, storetest.Dialer(mr), opts...)
	t.Cleanup(func() {
		_ = f.Shutdown(context.Background())
		mr.Close()
	})
	return f, mr
}

func TestFleetWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.PoolSize = 3
	f, mr := newTestFleet(t, cfg)
	ctx := context.Background()

	if f.ID() == "" {
		t.Fatal("expected an instance id")
	}
	if err := f.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if s := f.Pool().Stats(); s.Max != 3 {
		t.Fatalf("pool size not taken from config: %+v", s)
	}

	l, ok, err := f.Locks().TryLock(ctx, "job", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: ok %v err %v", ok, err)
	}
	if !mr.Exists("job.lock") {
		t.Fatal("lock should be stored")
	}
	_ = f.Locks().Release(ctx, l)

	if err := f.Limiter().Allow(ctx, "api", 1, time.Minute); err != nil {
		t.Fatalf("allow: %v", err)
	}

	g := NewGuard[int](f)
	v, ok, err := g.GetOrCompute(ctx, "answer", time.Minute, time.Second, func(ctx context.Context) (int, bool, error) {
		return 42, true, nil
	})
	if err != nil || !ok || v != 42 {
		t.Fatalf("guard: %d %v %v", v, ok, err)
	}
}

func TestFleetPubSubAndCron(t *testing.T) {
	f, _ := newTestFleet(t, config.Default(), WithSchedulerOptions(cron.WithTickInterval(time.Millisecond)))
	ctx := context.Background()

	got := make(chan string, 1)
	if _, err := f.Hub().Subscribe(ctx, "events", func(m pubsub.Message) { got <- string(m.Payload) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.Hub().Publish(ctx, "events", "hi"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case v := <-got:
		if v != "hi" {
			t.Fatalf("unexpected payload %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := f.Scheduler().Schedule(cron.NewJob("noop", func(ctx context.Context, now time.Time) error {
		return nil
	}), "* * * * *", cron.Serial); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if jobs := f.Scheduler().Jobs(); len(jobs) != 1 || jobs[0] != "noop" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
	f.Scheduler().Start(ctx)
	if err := f.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if f.Hub().Connected() {
		t.Fatal("hub should be disconnected after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	var hooks int
	f, _ := newTestFleet(t, config.Default(), WithShutdownHook(func(ctx context.Context) error {
		hooks++
		return nil
	}))
	ctx := context.Background()
	if err := f.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := f.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := f.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if hooks != 1 {
		t.Fatalf("expected shutdown hook to run once, ran %d times", hooks)
	}
	if err := f.Ping(ctx); !errors.Is(err, fleeterrors.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.PoolSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}
