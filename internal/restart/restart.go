// Package restart holds the bounded auto-restart policy. The attempt counter
// itself lives with the supervisor; this package only answers questions.
package restart

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultDelay = 2 * time.Second

type Policy struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	Delay       time.Duration `json:"delay" mapstructure:"delay"`
	// Multiplier > 1 turns the fixed delay into exponential backoff.
	Multiplier float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// ShouldRestart reports whether another automatic restart is allowed after
// attempts restarts have already been made.
func ShouldRestart(attempts, max int) bool {
	return attempts < max
}

func (p Policy) ShouldRestart(attempts int) bool {
	return ShouldRestart(attempts, p.MaxAttempts)
}

// NextDelay returns the wait before restart number attempt (0-based).
func (p Policy) NextDelay(attempt int) time.Duration {
	base := p.Delay
	if base <= 0 {
		base = DefaultDelay
	}
	if p.Multiplier <= 1 {
		return base
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 24 * time.Hour
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
