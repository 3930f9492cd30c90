// Package retry bounds concurrency of platform API calls and retries the
// ones the platform throttled.
package retry

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"sellerbot/internal/gateway"
	logx "sellerbot/pkg/logx"
)

type Policy struct {
	// MaxAttempts counts the first call too; 3 means up to two retries.
	MaxAttempts int
	// Base is the first backoff delay; each retry doubles it.
	Base time.Duration
	// MaxDelay caps the doubled delay, 0 means uncapped.
	MaxDelay time.Duration
	// Timeout bounds a single attempt, 0 means the caller's context only.
	Timeout time.Duration
	// Concurrency is the number of in-flight calls allowed at once.
	Concurrency int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		MaxDelay:    30 * time.Second,
		Timeout:     30 * time.Second,
		Concurrency: 4,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	return p
}

// Caller serializes access to the platform API: at most Concurrency calls in
// flight process-wide, and rate-limited calls are retried with exponential
// backoff. Any other error is returned to the caller as is.
type Caller struct {
	policy Policy
	sem    *semaphore.Weighted
	log    logx.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCaller(p Policy, log logx.Logger) *Caller {
	p = p.withDefaults()
	return &Caller{
		policy: p,
		sem:    semaphore.NewWeighted(int64(p.Concurrency)),
		log:    log,
		sleep:  sleepCtx,
	}
}

// Do runs fn under the concurrency limit. The semaphore is held across
// retries so a throttled tenant does not amplify load on the platform.
func (c *Caller) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	var err error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, err)
			c.log.Warn("rate limited, backing off",
				logx.String("call", label),
				logx.Int("attempt", attempt),
				logx.Duration("delay", delay))
			if serr := c.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		err = c.attempt(ctx, fn)
		if err == nil || !gateway.IsRateLimited(err) {
			return err
		}
	}
	return err
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

// backoff doubles the base per retry (Base, 2*Base, ...), capped at MaxDelay.
// A Retry-After hint from the platform wins when it is longer.
func (c *Caller) backoff(attempt int, err error) time.Duration {
	delay := c.policy.Base << (attempt - 1)
	if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}
	var rl *gateway.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
