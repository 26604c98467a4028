// Package humanize adds human-shaped noise to page interactions: jittered
// delays between actions and incremental scrolling that triggers
// lazy-loaded listing grids.
package humanize

import (
	"context"
	"math/rand"
	"time"
)

// RandomDuration returns a random duration between min and max
// milliseconds.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// SleepWithContext sleeps for d or until the context is canceled. Returns
// true when the sleep ran to completion.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepWithJitter sleeps for base plus or minus jitterPercent (0..1).
// Used between pagination steps so page loads do not tick like a metronome.
func SleepWithJitter(ctx context.Context, base time.Duration, jitterPercent float64) bool {
	if jitterPercent < 0 {
		jitterPercent = 0
	}
	if jitterPercent > 1 {
		jitterPercent = 1
	}

	jitterRange := float64(base) * jitterPercent
	jitter := (rand.Float64()*2 - 1) * jitterRange

	duration := time.Duration(float64(base) + jitter)
	if duration < 0 {
		duration = 0
	}
	return SleepWithContext(ctx, duration)
}
