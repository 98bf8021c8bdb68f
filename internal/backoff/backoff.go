// Package backoff implements the reconnect delay policy for the client
// agent: exponential growth from a base interval, capped, with jitter so a
// fleet of agents does not reconnect in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes the delay before reconnect attempt n. The zero jitter
// fraction disables jitter; rnd is injectable for deterministic tests.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.5 for ±50%

	rnd func() float64
}

// New returns a policy with ±50% jitter backed by math/rand.
func New(base, max time.Duration) *Policy {
	return &Policy{Base: base, Max: max, Jitter: 0.5, rnd: rand.Float64}
}

// WithRand replaces the jitter source. Tests pass a fixed function.
func (p *Policy) WithRand(rnd func() float64) *Policy {
	p.rnd = rnd
	return p
}

// Delay returns the wait before attempt n (first retry is attempt 0).
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 && p.rnd != nil {
		// Scale into [1-jitter, 1+jitter].
		factor := 1 + p.Jitter*(2*p.rnd()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}
