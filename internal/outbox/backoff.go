package outbox

import (
	"math"
	"time"
)

// Policy is the retry schedule for transient send failures:
// min(Base * Multiplier^(n-1), Cap) for attempt n, up to MaxAttempts.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy is 1s doubling up to 30s, eight attempts total.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		MaxAttempts: 8,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts has used up the retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
