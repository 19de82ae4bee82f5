package refresh

import (
	"math"
	"time"
)

// Backoff tracks consecutive refresh failures for one scheduled task and
// derives the earliest time the next attempt is allowed. A single success
// resets it completely.
type Backoff struct {
	Base        time.Duration // delay after the first failure
	Max         time.Duration // delay ceiling
	CapFailures int           // failure count ceiling (default 6)

	failures      int
	nextAllowedAt time.Time
}

// Delay returns min(Base * 2^failures, Max) for the current failure count.
func (b *Backoff) Delay() time.Duration {
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(b.failures)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d
}

// Failure records a failed attempt at now and pushes nextAllowedAt out.
func (b *Backoff) Failure(now time.Time) {
	limit := b.CapFailures
	if limit <= 0 {
		limit = 6
	}
	if b.failures < limit {
		b.failures++
	}
	b.nextAllowedAt = now.Add(b.Delay())
}

// Success resets the failure count and clears the hold.
func (b *Backoff) Success() {
	b.failures = 0
	b.nextAllowedAt = time.Time{}
}

// Allowed reports whether an attempt may run at now.
func (b *Backoff) Allowed(now time.Time) bool {
	return !now.Before(b.nextAllowedAt)
}

// Failures returns the consecutive failure count.
func (b *Backoff) Failures() int { return b.failures }

// NextAllowedAt returns the earliest allowed attempt time; zero when clear.
func (b *Backoff) NextAllowedAt() time.Time { return b.nextAllowedAt }
