package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnect schedule.
const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy describes an exponential reconnect schedule.
type Policy struct {
	Base        time.Duration // Delay before the first attempt
	Cap         time.Duration // Upper bound for any delay
	MaxAttempts int           // 0 = unbounded
	Jitter      float64       // Symmetric jitter fraction in [0, 1), e.g. 0.2 = ±20%
}

// DefaultPolicy returns the bounded policy (5 attempts, 1s..30s).
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Unbounded returns a policy that never gives up.
func Unbounded(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap}
}

// Delay returns min(Base * 2^(attempt-1), Cap). Attempts below 1 are treated as 1.
// It never applies jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		// Stop doubling once the cap is reached; this also guards against overflow.
		if p.Cap > 0 && d >= p.Cap {
			break
		}
		if d > time.Duration(math.MaxInt64/2) {
			break
		}
		d *= 2
	}

	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Next returns the delay to wait before the given attempt, with jitter applied
// when configured. The result never exceeds Cap.
func (p Policy) Next(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 || d == 0 {
		return d
	}

	j := p.Jitter
	if j >= 1 {
		j = 0.99
	}
	// Uniform in [d*(1-j), d*(1+j)]
	factor := 1 - j + rand.Float64()*2*j
	jittered := time.Duration(float64(d) * factor)

	if p.Cap > 0 && jittered > p.Cap {
		return p.Cap
	}
	return jittered
}

// Exhausted reports whether attempt is beyond the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Bounded reports whether the policy has a finite attempt budget.
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0
}
