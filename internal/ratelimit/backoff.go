package ratelimit

import (
	"fmt"
	"time"
)

// Strategy names accepted in configuration.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// DefaultCooldown is the pause applied after every block unless configured otherwise.
const DefaultCooldown = 2 * time.Hour

// Backoff computes cooldown durations.
type Backoff struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
}

// NewBackoff validates the strategy and fills defaults.
func NewBackoff(strategy string, base, max time.Duration) (Backoff, error) {
	if strategy == "" {
		strategy = StrategyFixed
	}
	if strategy != StrategyFixed && strategy != StrategyExponential {
		return Backoff{}, fmt.Errorf("unknown cooldown strategy %q", strategy)
	}
	if base <= 0 {
		base = DefaultCooldown
	}
	if max < base {
		max = base
	}
	return Backoff{Strategy: strategy, Base: base, Max: max}, nil
}

// Cooldown returns the pause for the n-th consecutive block (n starts at 1).
func (b Backoff) Cooldown(n int) time.Duration {
	if b.Strategy != StrategyExponential || n <= 1 {
		return b.Base
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return d
}
