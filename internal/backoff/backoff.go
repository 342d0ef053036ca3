// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy shapes a delay curve. The delay for attempt n (1-indexed) is
// Initial * Factor^(n-1), plus up to Jitter fraction of randomization,
// capped at Max.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay regardless of attempt number.
	Max time.Duration
	// Factor is the growth multiplier per attempt.
	Factor float64
	// Jitter is the randomization fraction in [0, 1].
	Jitter float64
}

// DefaultPolicy returns the standard worker-restart curve.
// Default: 100ms initial, 30s cap, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the backoff duration for attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay with a caller-supplied random value in
// [0, 1). Tests use it to pin the curve.
func (p Policy) DelayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// It returns ctx.Err() when cancelled, nil when the wait completed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
