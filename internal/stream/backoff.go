package stream

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff produces reconnect delays: exponential from min to max, plus
// jitter. Below max, jitter is added and delays never decrease until Reset;
// at max, jitter is subtracted so the delay stays within
// [max - jitter*max/2, max].
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	max    time.Duration
	jitter float64
	rand   func() float64
	last   time.Duration
}

// NewBackoff returns a Backoff doubling from minDelay up to maxDelay. jitter is the
// fraction of half the base delay added at random; it is clamped to [0, 1].
func NewBackoff(minDelay, maxDelay time.Duration, jitter float64) *Backoff {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = minDelay
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.Reset()
	return &Backoff{exp: exp, max: maxDelay, jitter: jitter, rand: rand.Float64}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	base := b.exp.NextBackOff()
	if base == backoff.Stop || base >= b.max {
		// At the cap jitter pulls the delay down so capped clients spread out
		// instead of retrying in lockstep.
		d := b.max - time.Duration(b.jitter*b.rand()*float64(b.max)/2)
		b.last = d
		return d
	}
	// Jitter stays below half the base so the next doubled base still
	// dominates it.
	d := base + time.Duration(b.jitter*b.rand()*float64(base)/2)
	if d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset returns the delay sequence to its minimum.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.last = 0
}
