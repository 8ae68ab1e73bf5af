// Package retry runs one remote call with bounded, jittered exponential
// backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/logger"

	"github.com/jpillora/backoff"
)

// Policy is immutable once handed to an Executor.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds up to Jitter*delay of random extra wait (0..1).
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// Backoff returns min(BaseDelay*Multiplier^attempt, MaxDelay) without
// jitter. attempt counts from 0 for the wait after the first failure.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if p.BaseDelay == p.MaxDelay {
		return p.MaxDelay
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.Multiplier,
	}
	return b.ForAttempt(float64(attempt))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor is safe for concurrent use; each Do call keeps its own attempt
// counter.
type Executor struct {
	name      string
	policy    Policy
	retryable func(error) bool
	hint      func(error) (time.Duration, bool)
	sleep     Sleeper
	jitter    func() float64
	onRetry   func(attempt int, err error, delay time.Duration)
}

type Option func(*Executor)

func WithName(name string) Option {
	return func(e *Executor) { e.name = name }
}

// WithClassifier replaces apierr.Retryable.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.retryable = fn
		}
	}
}

func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithJitterSource supplies values in [0,1) used to scale jitter.
func WithJitterSource(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithRetryHook is called before every backoff sleep.
func WithRetryHook(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

func New(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		name:      "retry",
		policy:    policy.normalized(),
		retryable: apierr.Retryable,
		hint:      apierr.RetryAfter,
		sleep:     sleepContext,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Delay is the wait before attempt+1 given the failure err.
func (e *Executor) Delay(attempt int, err error) time.Duration {
	if hint, ok := e.hint(err); ok {
		return hint
	}
	d := e.policy.Backoff(attempt)
	if e.policy.Jitter > 0 {
		d += time.Duration(e.jitter() * e.policy.Jitter * float64(d))
	}
	return d
}

// Do invokes op at most Policy.MaxAttempts times. Fatal errors are returned
// on the spot; after the last attempt the last error is returned wrapped.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debugf("[%s] succeeded on attempt %d", e.name, attempt)
			}
			return nil
		}
		lastErr = err
		if !e.retryable(err) {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}
		delay := e.Delay(attempt-1, err)
		if e.onRetry != nil {
			e.onRetry(attempt, err, delay)
		}
		logger.Warnf("[%s] attempt %d/%d failed: %v; retrying in %s", e.name, attempt, e.policy.MaxAttempts, err, delay)
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", e.policy.MaxAttempts, lastErr)
}
