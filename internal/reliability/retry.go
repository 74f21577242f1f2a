package reliability

import (
	"context"
	"math"
	"time"
)

// maxDuration is the largest representable time.Duration
const maxDuration = time.Duration(math.MaxInt64)

// ExponentialBackoff computes delay = InitialInterval * Multiplier^attempt.
//
// A zero MaxInterval leaves the delay uncapped; delays that would overflow
// time.Duration saturate at the largest representable value instead of
// wrapping.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// NewExponentialBackoff creates a doubling, uncapped policy
func NewExponentialBackoff(initial time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		Multiplier:      2.0,
	}
}

// NextDelay returns the delay to wait after the given 0-based attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if delay >= float64(maxDuration) || math.IsInf(delay, 1) {
		return maxDuration
	}
	return time.Duration(delay)
}

// Sleep blocks for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
