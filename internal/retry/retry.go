// Package retry executes provider operations with exponential backoff.
//
// Only transient failures (per fetcherr classification) are retried.
// Delay for 0-indexed attempt n is base*2^n plus uniform jitter in
// [0, jitterMax).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"marketdata/internal/fetcherr"
)

const (
	DefaultBase       = 300 * time.Millisecond
	DefaultJitterMax  = 250 * time.Millisecond
	DefaultMaxRetries = 2
)

// Policy is the retry budget for one operation.
type Policy struct {
	Base       time.Duration
	JitterMax  time.Duration
	MaxRetries int // retries after the first attempt; 2 means at most 3 attempts
}

func Default() Policy {
	return Policy{Base: DefaultBase, JitterMax: DefaultJitterMax, MaxRetries: DefaultMaxRetries}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.JitterMax < 0 {
		p.JitterMax = DefaultJitterMax
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Delay computes the backoff before retry attempt n (0-indexed). Also used
// by the stream layer, whose reconnect backoff follows the same shape.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n > 20 {
		n = 20 // avoid shift overflow; delays this deep are already minutes
	}
	d := p.Base << n
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

// expBackOff implements backoff.BackOff with the exact delay formula.
type expBackOff struct {
	policy  Policy
	attempt int
}

func (b *expBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *expBackOff) Reset() { b.attempt = 0 }

// Do runs op under the policy. Non-transient errors stop immediately.
// When the retry budget is spent the last transient error is returned
// wrapped in fetcherr.Exhausted.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	p = p.withDefaults()

	attempts := 0
	wrapped := func() (T, error) {
		attempts++
		v, err := op()
		if err != nil && !fetcherr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(&expBackOff{policy: p}),
		backoff.WithMaxTries(uint(p.MaxRetries)+1),
	)
	if err != nil {
		// caller cancellation is not provider exhaustion; per-call timeouts
		// inside op still count because the outer ctx is alive for those
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return v, err
		}
		if fetcherr.IsTransient(err) {
			return v, &fetcherr.Exhausted{Attempts: attempts, Err: err}
		}
	}
	return v, err
}
