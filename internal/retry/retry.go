// Package retry drives repeated attempts against a single provider.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// Policy waits min(MaxDelay, BaseDelay*2^n) scaled by a uniform factor in
// [0.5, 1.5] before retry n.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = p.MaxDelay
	return b
}

// Attempt is one call against the provider. n starts at 1.
type Attempt func(ctx context.Context, n int) (*provider.Response, error)

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It reports the number of attempts made.
//
// Transient errors are retried, except calls refused by an open breaker.
// Auth and InvalidRequest errors stop at once.
// An Unknown error is retried once; a second one is returned as final.
func (p Policy) Do(ctx context.Context, fn Attempt) (*provider.Response, int, error) {
	p = p.withDefaults()

	var (
		attempts int
		unknowns int
		lastErr  error
	)
	op := func() (*provider.Response, error) {
		attempts++
		resp, err := fn(ctx, attempts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		if errors.Is(err, provider.ErrUnavailable) {
			return nil, backoff.Permanent(err)
		}
		switch provider.KindOf(err) {
		case provider.KindTransient:
			return nil, err
		case provider.KindUnknown:
			unknowns++
			if unknowns > 1 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return resp, attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, attempts, ctxErr
	}
	return nil, attempts, lastErr
}
