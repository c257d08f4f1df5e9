package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = time.Minute
)

// RetryPolicy computes the wait before a failed task becomes dispatchable
// again: base * 2^(attempt-1), capped at max. There is no jitter so retries
// are reproducible.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given attempt (1-based) failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base, maxDelay := p.Base, p.Max
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if maxDelay < base {
		maxDelay = base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt && d < maxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}
