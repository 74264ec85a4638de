package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-fleet/v1/config"
	"github.com/mirkobrombin/go-fleet/v1/core"
	"github.com/mirkobrombin/go-fleet/v1/cron"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/pubsub"
	"github.com/mirkobrombin/go-fleet/v1/store/storetest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	host, port, ok := strings.Cut(mr.Addr(), ":")
	if !ok {
		t.Fatalf("unexpected addr %s", mr.Addr())
	}
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	doc := fmt.Sprintf("redis:\n  host: %s\n  port: %s\n  pool_size: 2\nlog:\n  level: error\n", host, port)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	want := map[string]bool{"lock": false, "limit": false, "cache": false, "publish": false, "subscribe": false, "cron": false, "serve": false}
	for _, c := range cmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing %s command", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Fatal("missing --config flag")
	}
}

func TestCronNext(t *testing.T) {
	out, err := run(t, "cron", "next", "*/30 * * * *", "-n", "2", "--from", "2024-01-01T10:05:00Z")
	if err != nil {
		t.Fatalf("cron next: %v", err)
	}
	want := "2024-01-01T10:30:00Z\n2024-01-01T11:00:00Z\n"
	if out != want {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, "cron", "next", "61 * * * *"); !errors.Is(err, fleeterrors.ErrMalformedCron) {
		t.Fatalf("expected ErrMalformedCron, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.Log{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("json logger: %v", err)
	}
	if _, err := newLogger(config.Log{Level: "loud"}); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	if _, err := newLogger(config.Log{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}

func TestLimitAndCacheCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)

	for i := 0; i < 2; i++ {
		out, err := run(t, "-c", cfg, "limit", "api", "--limit", "2", "--resolution", "1h")
		if err != nil {
			t.Fatalf("limit %d: %v (%s)", i, err, out)
		}
	}
	out, err := run(t, "-c", cfg, "limit", "api", "--limit", "2", "--resolution", "1h")
	if !errors.Is(err, fleeterrors.ErrRateLimitExceeded) || !strings.Contains(out, "rejected") {
		t.Fatalf("expected rejection, got %q %v", out, err)
	}

	if out, err = run(t, "-c", cfg, "cache", "greeting", "hello"); err != nil || out != "stored hello\n" {
		t.Fatalf("first cache: %q %v", out, err)
	}
	if out, err = run(t, "-c", cfg, "cache", "greeting", "other"); err != nil || out != "cached hello\n" {
		t.Fatalf("second cache: %q %v", out, err)
	}
	if v, _ := mr.Get("greeting"); v != "hello" {
		t.Fatalf("expected stored value, got %q", v)
	}
}

func TestLockCommandReleases(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	out, err := run(t, "-c", cfg, "lock", "deploy", "--ttl", "5s")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if out != "acquired deploy.lock\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if mr.Exists("deploy.lock") {
		t.Fatal("lock should be released on exit")
	}
}

func TestServePublishesHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	var ticks atomic.Int64
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start.Add(time.Duration(ticks.Add(1)) * time.Minute) }

	f := core.NewWithDialer(config.Default(), storetest.Dialer(mr),
		core.WithSchedulerOptions(cron.WithTickInterval(time.Millisecond), cron.WithClock(clock)))
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })

	got := make(chan Heartbeat, 1)
	if _, err := f.Hub().Subscribe(context.Background(), HeartbeatTopic, func(m pubsub.Message) {
		var hb Heartbeat
		if err := m.Decode(&hb); err == nil {
			select {
			case got <- hb:
			default:
			}
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, f, "@every_minute") }()

	select {
	case hb := <-got:
		if hb.ID != f.ID() {
			t.Fatalf("unexpected publisher %q", hb.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
