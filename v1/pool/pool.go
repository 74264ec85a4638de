// Package pool lends a bounded set of reusable store connections.
//
// Every pooled connection is a go-redis client dialed with a single underlying
// socket, so a connection carries one in-flight operation at a time and
// concurrency is bounded by the pool size. When the pool is full Acquire fails
// with ErrPoolExhausted unless the pool was built WithBlocking, in which case
// callers queue until a connection is released or their context ends.
package pool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

// DefaultMaxSize is used when no size is configured.
const DefaultMaxSize = 10

// Dialer opens a new store connection.
type Dialer func(ctx context.Context) (*redis.Client, error)

// Conn is a pooled store connection.
type Conn struct {
	ID     int
	Client *redis.Client

	inUse bool
}

// InUse reports whether the connection is currently lent out.
func (c *Conn) InUse() bool { return c.inUse }

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Size  int
	InUse int
	Max   int
}

// Pool implements a bounded connection pool.
type Pool struct {
	dial     Dialer
	max      int
	blocking bool
	logger   *slog.Logger
	slots    *semaphore.Weighted

	mu     sync.Mutex
	conns  []*Conn
	nextID int
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxSize sets the maximum number of connections. Non-positive values are
// ignored.
func WithMaxSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.max = n
		}
	}
}

// WithBlocking makes Acquire wait for a free connection instead of failing
// with ErrPoolExhausted.
func WithBlocking() Option {
	return func(p *Pool) { p.blocking = true }
}

// WithLogger sets the logger used at the pool boundary.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a pool that opens connections with dial.
func New(dial Dialer, opts ...Option) *Pool {
	p := &Pool{
		dial:   dial,
		max:    DefaultMaxSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.slots = semaphore.NewWeighted(int64(p.max))
	return p
}

// Acquire returns a free connection, dialing a new one while the pool is below
// its maximum size.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.blocking {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !p.slots.TryAcquire(1) {
		metrics.PoolExhaustedCounter.Inc()
		return nil, fmt.Errorf("%w: %d connections in use", fleeterrors.ErrPoolExhausted, p.max)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, fleeterrors.ErrPoolClosed
	}
	for _, c := range p.conns {
		if !c.inUse {
			c.inUse = true
			p.mu.Unlock()
			metrics.PoolInUseGauge.Inc()
			return c, nil
		}
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	client, err := p.dial(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	c := &Conn{ID: id, Client: client, inUse: true}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		p.slots.Release(1)
		return nil, fleeterrors.ErrPoolClosed
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	metrics.PoolSizeGauge.Inc()
	metrics.PoolInUseGauge.Inc()
	p.logger.Debug("fleet: pool connection opened", "id", id)
	return c, nil
}

// Release marks c free for reuse. Releasing a free connection is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !c.inUse {
		p.mu.Unlock()
		return
	}
	c.inUse = false
	p.mu.Unlock()
	metrics.PoolInUseGauge.Dec()
	p.slots.Release(1)
}

// WithResource acquires a connection, runs fn with its client and always
// releases it. Errors are logged at the pool boundary and returned mapped
// onto the fleet error taxonomy.
func (p *Pool) WithResource(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		p.logger.Error("fleet: pool acquire failed", "error", err)
		return err
	}
	defer p.Release(c)

	if err := fn(ctx, c.Client); err != nil {
		err = mapError(err)
		p.logger.Error("fleet: store operation failed", "conn", c.ID, "error", err)
		return err
	}
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Size: len(p.conns), Max: p.max}
	for _, c := range p.conns {
		if c.inUse {
			s.InUse++
		}
	}
	return s
}

// Shutdown disconnects every pooled connection. It is safe to call more than
// once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	inUse := 0
	for _, c := range conns {
		if c.inUse {
			c.inUse = false
			inUse++
		}
	}
	p.mu.Unlock()
	metrics.PoolInUseGauge.Sub(float64(inUse))

	var errs []error
	for _, c := range conns {
		if err := c.Client.Close(); err != nil && !stdErrors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("conn %d: %w", c.ID, err))
		}
		metrics.PoolSizeGauge.Dec()
	}
	p.logger.Debug("fleet: pool shut down", "connections", len(conns))
	return stdErrors.Join(errs...)
}

func mapError(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", fleeterrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", fleeterrors.ErrConnectionClosed, err)
	}
	return err
}
