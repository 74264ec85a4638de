package cron

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

const (
	DefaultTickInterval = time.Second
	// DefaultLockTTL outlasts one minute-resolution run so a slower instance
	// ticking later in the same minute cannot fire the job again.
	DefaultLockTTL = 45 * time.Second
	lockPrefix     = "cronjob."
)

// Mode selects how a job behaves across the fleet.
type Mode int

const (
	// Serial runs a job on at most one process per matching minute.
	Serial Mode = iota
	// Parallel runs a job on every process.
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "serial"
}

// Job is a unit of periodic work. Name identifies the job fleet-wide.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

// JobFunc is the body of a job built with NewJob.
type JobFunc func(ctx context.Context, now time.Time) error

type funcJob struct {
	name string
	fn   JobFunc
}

func (j funcJob) Name() string                                 { return j.name }
func (j funcJob) Run(ctx context.Context, now time.Time) error { return j.fn(ctx, now) }

// NewJob wraps fn as a Job called name.
func NewJob(name string, fn JobFunc) Job {
	return funcJob{name: name, fn: fn}
}

type entry struct {
	job  Job
	expr *Expression
	mode Mode

	primed     bool
	lastMinute int64
	running    atomic.Bool
}

// Scheduler fires registered jobs on their schedules.
type Scheduler struct {
	locks    *lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	loc      *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
	runs    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the clock is checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLockTTL sets the TTL of the lock taken by serial jobs.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the time zone expressions are evaluated in. Default is
// time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler returns a stopped Scheduler. locks may be nil when only
// Parallel jobs are registered.
func NewScheduler(locks *lock.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		locks:    locks,
		interval: DefaultTickInterval,
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
		loc:      time.Local,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule parses spec and registers job with it.
func (s *Scheduler) Schedule(job Job, spec string, mode Mode) error {
	expr, err := Parse(spec)
	if err != nil {
		return err
	}
	return s.Add(job, expr, mode)
}

// Add registers job with expr. Job names must be unique per scheduler.
func (s *Scheduler) Add(job Job, expr *Expression, mode Mode) error {
	if job == nil || job.Name() == "" {
		return stdErrors.New("cron: job must have a name")
	}
	if expr == nil {
		return fmt.Errorf("cron: nil expression for %s", job.Name())
	}
	if mode == Serial && s.locks == nil {
		return fmt.Errorf("cron: serial job %s needs a locker", job.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name() == job.Name() {
			return fmt.Errorf("cron: job %s already registered", job.Name())
		}
	}
	s.entries = append(s.entries, &entry{job: job, expr: expr, mode: mode})
	s.logger.Debug("fleet: cron job registered", "job", job.Name(), "expr", expr.String(), "mode", mode)
	return nil
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(runCtx, done)
}

// Stop halts ticking, cancels the context of running jobs and waits for them
// to return or for ctx to end. It is safe to call more than once and while a
// tick is in progress.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		s.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick fires every due entry for the minute containing now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Unix() / 60
	local := now.In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.primed {
			e.primed, e.lastMinute = true, minute
			continue
		}
		if minute <= e.lastMinute || !e.expr.Matches(local) {
			continue
		}
		e.lastMinute = minute
		if ctx.Err() != nil {
			return
		}
		if e.running.Load() {
			metrics.CronSkippedCounter.Inc()
			s.logger.Warn("fleet: cron job still running, skipping", "job", e.job.Name())
			continue
		}
		e.running.Store(true)
		s.runs.Add(1)
		go s.fire(ctx, e, local)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	defer s.runs.Done()
	defer e.running.Store(false)

	name := e.job.Name()
	if e.mode == Serial {
		// The lock is left to expire so no other instance fires this minute.
		_, ok, err := s.locks.TryLock(ctx, lockPrefix+name, s.lockTTL)
		if err != nil {
			metrics.CronFailedCounter.Inc()
			s.logger.Error("fleet: cron lock failed", "job", name, "error", err)
			return
		}
		if !ok {
			metrics.CronSkippedCounter.Inc()
			s.logger.Debug("fleet: cron job running elsewhere", "job", name)
			return
		}
	}
	s.run(ctx, e.job, now)
}

func (s *Scheduler) run(ctx context.Context, job Job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CronFailedCounter.Inc()
			s.logger.Error("fleet: cron job panicked", "job", job.Name(), "panic", r)
		}
	}()
	start := time.Now()
	if err := job.Run(ctx, now); err != nil {
		metrics.CronFailedCounter.Inc()
		s.logger.Error("fleet: cron job failed", "job", job.Name(), "error", err)
		return
	}
	metrics.CronFiredCounter.Inc()
	s.logger.Debug("fleet: cron job finished", "job", job.Name(), "elapsed", time.Since(start))
}

// Jobs returns the names of the registered jobs in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.job.Name()
	}
	return names
}
