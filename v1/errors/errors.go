// Package errors holds the error taxonomy shared by the fleet components.
// Callers match them with the standard errors.Is and errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnection is returned once reconnection attempts have been exhausted.
	ErrConnection = errors.New("fleet: could not connect to store")

	// ErrLockTimeout is returned when a lock could not be obtained before its
	// deadline.
	ErrLockTimeout = errors.New("fleet: lock timeout")
	// ErrPoolExhausted is returned when every pooled connection is in use and
	// the pool is not allowed to grow.
	ErrPoolExhausted = errors.New("fleet: pool exhausted")
	// ErrPoolClosed is returned by a pool after Shutdown.
	ErrPoolClosed = errors.New("fleet: pool closed")
	// ErrRateLimitExceeded is returned when a rate limit bucket is full.
	ErrRateLimitExceeded = errors.New("fleet: rate limit exceeded")
	// ErrMalformedCron is matched by every CronError.
	ErrMalformedCron = errors.New("fleet: malformed cron expression")
)

// CronError describes why a cron expression was rejected.
type CronError struct {
	Expr   string
	Token  string
	Reason string
}

func (e *CronError) Error() string {
	if e.Token == "" || e.Token == e.Expr {
		return fmt.Sprintf("fleet: invalid cron %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("fleet: invalid cron %q: %s in %q", e.Expr, e.Reason, e.Token)
}

// Is reports whether target is ErrMalformedCron.
func (e *CronError) Is(target error) bool { return target == ErrMalformedCron }
