package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy describes a durable retry schedule: the n-th failure (1-based) waits
// BaseDelay * Multiplier^(n-1). MaxRetries bounds the number of failures before
// an item is considered exhausted.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxRetries int
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
}

// SweepPolicy is the default schedule for sweep queue items.
func SweepPolicy() Policy {
	return Policy{
		BaseDelay:  time.Minute,
		Multiplier: 3,
		MaxRetries: 5,
	}
}

// WebhookPolicy is the default schedule for webhook deliveries.
func WebhookPolicy() Policy {
	return Policy{
		BaseDelay:  30 * time.Second,
		Multiplier: 2,
		MaxRetries: 8,
		MaxDelay:   6 * time.Hour,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if p.Multiplier <= 1 {
		return fmt.Errorf("multiplier must be > 1")
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1")
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay must be >= base delay")
	}
	return nil
}

// Delay returns the wait after the given failure count.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(failures-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextAttempt returns when the next attempt is due after the given failure count.
func (p Policy) NextAttempt(now time.Time, failures int) time.Time {
	return now.Add(p.Delay(failures))
}

// Exhausted reports whether failures has reached the ceiling.
func (p Policy) Exhausted(failures int) bool {
	return failures >= p.MaxRetries
}
