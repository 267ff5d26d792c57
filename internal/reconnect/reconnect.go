// Package reconnect schedules reconnection attempts with capped exponential
// backoff.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrStopped is returned by Wait once Stop has been called.
var ErrStopped = errors.New("reconnect: stopped")

// Policy describes the retry schedule. The Nth delay is
// min(Initial * 2^(N-1), Max). MaxAttempts <= 0 retries forever.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the schedule used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Controller hands out successive delays and performs cancellable waits.
type Controller struct {
	mu       sync.Mutex
	policy   Policy
	backoff  backoff.BackOff
	attempts int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a controller for p.
func New(p Policy) *Controller {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
	}

	return &Controller{
		policy:  p,
		backoff: b,
		stopCh:  make(chan struct{}),
	}
}

// Next returns the delay before the next attempt. ok is false once the
// attempt budget is exhausted.
func (c *Controller) Next() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	c.attempts++
	return d, true
}

// Reset restarts the schedule, typically after a successful join.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff.Reset()
	c.attempts = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Policy returns the effective policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Wait sleeps for d. It returns early with ctx.Err() when ctx is done or
// ErrStopped after Stop.
func (c *Controller) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrStopped
	}
}

// Stop aborts any current and future Wait.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Stopped reports whether Stop has been called.
func (c *Controller) Stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
