package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes geometrically growing delays. It never sleeps: callers
// schedule the next attempt themselves (re-enqueue, next poll).
type Backoff struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	JitterFraction float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        2 * time.Second,
		Max:            5 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2.0
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns Initial * Multiplier^n capped at Max, with jitter applied
// inside the cap. n is the number of earlier attempts.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n))
	if math.IsInf(d, 0) || d > float64(b.Max) {
		d = float64(b.Max)
	}

	delay := addJitter(time.Duration(d), b.JitterFraction)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Schedule lists the first n delays, mostly useful for logs and tests.
func (b Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: DefaultBackoff()}
}

// Next reports the delay before the next attempt given the number of failed
// attempts so far, or false once the attempt cap is reached.
func (p Policy) Next(failed int) (time.Duration, bool) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if failed >= maxAttempts {
		return 0, false
	}
	return p.Backoff.Delay(failed - 1), true
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 || duration <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}
