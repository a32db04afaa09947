// Package poll waits for conditions and retries transient failures with
// bounded exponential backoff.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

// ErrTimeout is returned when the backoff budget is exhausted before the
// condition holds.
var ErrTimeout = errors.New("poll: condition not met before deadline")

// Config bounds a poll.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	// MaxElapsed caps the total time spent; zero means only ctx bounds it.
	MaxElapsed time.Duration
}

// DefaultConfig returns a config suited to engine status polling.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (c Config) backOff(clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = c.MaxElapsed
	b.Clock = clk
	b.Reset()
	return b
}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the poll immediately.
type Condition func(ctx context.Context) (done bool, err error)

// Until evaluates cond, then waits and re-evaluates with growing intervals
// until it returns true, returns an error, the budget runs out, or ctx ends.
func Until(ctx context.Context, clk clock.Clock, cfg Config, cond Condition) error {
	if clk == nil {
		clk = clock.Real()
	}
	b := cfg.backOff(clk)

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(wait):
		}
	}
}

// Retry calls op until it succeeds, with the same bounds as Until. The last
// error from op is returned when the budget runs out. Errors wrapped with
// Permanent stop retries at once.
func Retry(ctx context.Context, clk clock.Clock, cfg Config, op func(ctx context.Context) error) error {
	var last error
	err := Until(ctx, clk, cfg, func(ctx context.Context) (bool, error) {
		last = op(ctx)
		if last == nil {
			return true, nil
		}
		var p *permanentError
		if errors.As(last, &p) {
			return false, p.err
		}
		return false, nil
	})
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if last != nil {
			return errors.Join(err, last)
		}
	}
	return err
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
