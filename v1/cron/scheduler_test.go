package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/store/storetest"
)

var base = time.Date(2024, time.May, 6, 8, 0, 0, 0, time.UTC)

func minute(n int) time.Time { return base.Add(time.Duration(n)*time.Minute + 5*time.Second) }

func counting(name string, n *atomic.Int32) Job {
	return NewJob(name, func(ctx context.Context, now time.Time) error {
		n.Add(1)
		return nil
	})
}

func newScheduler(t *testing.T, locks *lock.Locker) *Scheduler {
	t.Helper()
	return NewScheduler(locks, WithLocation(time.UTC))
}

func tickAndWait(s *Scheduler, now time.Time) {
	s.tick(context.Background(), now)
	s.runs.Wait()
}

func TestFirstTickPrimesWithoutFiring(t *testing.T) {
	s := newScheduler(t, nil)
	var runs atomic.Int32
	if err := s.Add(counting("job", &runs), Always(), Parallel); err != nil {
		t.Fatalf("add: %v", err)
	}
	tickAndWait(s, minute(0))
	if runs.Load() != 0 {
		t.Fatal("first tick must only prime the minute")
	}
	tickAndWait(s, minute(0).Add(30*time.Second))
	if runs.Load() != 0 {
		t.Fatal("same minute must not fire")
	}
	tickAndWait(s, minute(1))
	tickAndWait(s, minute(1).Add(10*time.Second))
	if runs.Load() != 1 {
		t.Fatalf("expected one run in minute 1, got %d", runs.Load())
	}
	tickAndWait(s, minute(2))
	if runs.Load() != 2 {
		t.Fatalf("expected a run per minute, got %d", runs.Load())
	}
}

func TestOnlyMatchingMinutesFire(t *testing.T) {
	s := newScheduler(t, nil)
	var runs atomic.Int32
	if err := s.Schedule(counting("quarter", &runs), "*/15 * * * *", Parallel); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for i := 0; i <= 30; i++ {
		tickAndWait(s, minute(i))
	}
	// Minute 0 primes, 15 and 30 fire.
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}
}

func TestSerialRunsOnceAcrossInstances(t *testing.T) {
	st, mr := storetest.New(t, 4)
	a := newScheduler(t, lock.New(st, lock.WithHostname("a")))
	b := newScheduler(t, lock.New(st, lock.WithHostname("b")))

	var runs atomic.Int32
	if err := a.Add(counting("report", &runs), Always(), Serial); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := b.Add(counting("report", &runs), Always(), Serial); err != nil {
		t.Fatalf("add b: %v", err)
	}
	tickAndWait(a, minute(0))
	tickAndWait(b, minute(0))

	tickAndWait(a, minute(1))
	tickAndWait(b, minute(1).Add(20*time.Second))
	if runs.Load() != 1 {
		t.Fatalf("expected one combined run, got %d", runs.Load())
	}
	if !mr.Exists("cronjob.report.lock") {
		t.Fatal("serial lock should be left to expire")
	}
	if ttl := mr.TTL("cronjob.report.lock"); ttl != DefaultLockTTL {
		t.Fatalf("expected lock ttl %v got %v", DefaultLockTTL, ttl)
	}

	mr.FastForward(DefaultLockTTL)
	tickAndWait(b, minute(2))
	tickAndWait(a, minute(2))
	if runs.Load() != 2 {
		t.Fatalf("expected one run per minute, got %d", runs.Load())
	}
}

func TestParallelRunsEverywhere(t *testing.T) {
	st, _ := storetest.New(t, 2)
	locks := lock.New(st)
	a, b := newScheduler(t, locks), newScheduler(t, locks)
	var runs atomic.Int32
	_ = a.Add(counting("sync", &runs), Always(), Parallel)
	_ = b.Add(counting("sync", &runs), Always(), Parallel)
	for _, s := range []*Scheduler{a, b} {
		tickAndWait(s, minute(0))
		tickAndWait(s, minute(1))
	}
	if runs.Load() != 2 {
		t.Fatalf("expected both instances to run, got %d", runs.Load())
	}
}

func TestFailingJobsDoNotStopScheduler(t *testing.T) {
	s := newScheduler(t, nil)
	var calls atomic.Int32
	_ = s.Add(NewJob("panics", func(ctx context.Context, now time.Time) error {
		calls.Add(1)
		panic("boom")
	}), Always(), Parallel)
	_ = s.Add(NewJob("errors", func(ctx context.Context, now time.Time) error {
		calls.Add(1)
		return errors.New("boom")
	}), Always(), Parallel)

	tickAndWait(s, minute(0))
	tickAndWait(s, minute(1))
	tickAndWait(s, minute(2))
	if calls.Load() != 4 {
		t.Fatalf("expected jobs to keep firing, got %d calls", calls.Load())
	}
}

func TestRunningJobIsSkipped(t *testing.T) {
	s := newScheduler(t, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	_ = s.Add(NewJob("slow", func(ctx context.Context, now time.Time) error {
		runs.Add(1)
		<-release
		return nil
	}), Always(), Parallel)

	s.tick(context.Background(), minute(0))
	s.tick(context.Background(), minute(1))
	s.tick(context.Background(), minute(2))
	close(release)
	s.runs.Wait()
	if runs.Load() != 1 {
		t.Fatalf("overlapping run should be skipped, got %d runs", runs.Load())
	}
}

func TestAddValidation(t *testing.T) {
	s := newScheduler(t, nil)
	var n atomic.Int32
	if err := s.Add(counting("job", &n), Always(), Serial); err == nil {
		t.Fatal("serial job without a locker should be rejected")
	}
	if err := s.Add(counting("job", &n), Always(), Parallel); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(counting("job", &n), Always(), Parallel); err == nil {
		t.Fatal("duplicate job name should be rejected")
	}
	if err := s.Schedule(counting("bad", &n), "* * *", Parallel); err == nil {
		t.Fatal("malformed expression should be rejected at registration")
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "job" {
		t.Fatalf("unexpected jobs %v", got)
	}
}

func TestStartStop(t *testing.T) {
	var (
		mu  sync.Mutex
		now = minute(0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewScheduler(nil, WithClock(clock), WithTickInterval(2*time.Millisecond), WithLocation(time.UTC))

	ran := make(chan struct{}, 1)
	stopped := make(chan struct{})
	_ = s.Add(NewJob("job", func(ctx context.Context, now time.Time) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}), Always(), Parallel)

	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	now = minute(1)
	mu.Unlock()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("stop should cancel and wait for running jobs")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
