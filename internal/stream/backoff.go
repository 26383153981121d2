package stream

import (
	"math/rand"
	"time"
)

// Backoff yields the delay before the next reconnect attempt.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// FixedBackoff waits the same delay before every attempt.
type FixedBackoff time.Duration

func (b FixedBackoff) Next() time.Duration { return time.Duration(b) }
func (FixedBackoff) Reset()                {}

// ExponentialBackoff doubles the delay after every failed attempt up to Max,
// randomised by ±Jitter of the current delay.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	current time.Duration
}

// NewExponentialBackoff returns a capped exponential policy starting at initial.
func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: initial,
		Max:     max,
		Factor:  backoffFactor,
		Jitter:  jitterFactor,
	}
}

func (b *ExponentialBackoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current

	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		jitter := time.Duration(float64(delay) * b.Jitter * (rand.Float64()*2 - 1))
		if delay+jitter > 0 {
			delay += jitter
		}
	}
	return delay
}

func (b *ExponentialBackoff) Reset() {
	b.current = 0
}
