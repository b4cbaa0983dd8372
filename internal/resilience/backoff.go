package resilience

import (
	"math/rand"
	"time"
)

// jitterFraction is the symmetric jitter applied to every computed delay.
const jitterFraction = 0.2

// BackoffDelay returns the delay before retry attempt n (1-based).
//
// The schedule is base * 2^(n-1), capped at max. The exponent applies to
// a fixed base of 2 scaled by the configured base delay: with base=1s the
// retries are spaced at 1s, 2s, 4s, ... A formula of base^attempt would
// degenerate to a flat 1s schedule at base=1, which is exactly the defect
// this function exists to avoid.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	return backoffDelay(base, max, attempt, rand.Float64)
}

func backoffDelay(base, max time.Duration, attempt int, rnd func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			delay = max
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}

	// Jitter by ±20% so synchronized clients spread out.
	factor := 1 - jitterFraction + 2*jitterFraction*rnd()
	jittered := time.Duration(float64(delay) * factor)
	if jittered <= 0 {
		jittered = delay
	}
	return jittered
}
