package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func midpoint() float64 { return 0.5 } // factor 1.0, no jitter

func TestBackoffDelay_ExponentialSchedule(t *testing.T) {
	base := 2 * time.Second
	max := time.Hour

	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1, midpoint))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 2, midpoint))
	assert.Equal(t, 8*time.Second, backoffDelay(base, max, 3, midpoint))
	assert.Equal(t, 16*time.Second, backoffDelay(base, max, 4, midpoint))
}

func TestBackoffDelay_BaseOneStillBacksOff(t *testing.T) {
	// base^attempt with base=1 would flatline; base * 2^(n-1) must not.
	base := time.Second
	max := time.Hour

	d1 := backoffDelay(base, max, 1, midpoint)
	d2 := backoffDelay(base, max, 2, midpoint)
	d3 := backoffDelay(base, max, 3, midpoint)

	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)
	assert.Less(t, d1, d2)
	assert.Less(t, d2, d3)
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	base := 2 * time.Second
	max := time.Hour

	for attempt := 1; attempt <= 5; attempt++ {
		expected := time.Duration(float64(base) * float64(int(1)<<(attempt-1)))
		lo := time.Duration(float64(expected) * 0.8)
		hi := time.Duration(float64(expected) * 1.2)

		assert.Equal(t, lo, backoffDelay(base, max, attempt, func() float64 { return 0 }))
		assert.Equal(t, hi, backoffDelay(base, max, attempt, func() float64 { return 1 }))

		// Random draws must land inside the band too.
		for i := 0; i < 50; i++ {
			got := BackoffDelay(base, max, attempt)
			assert.GreaterOrEqual(t, got, lo)
			assert.LessOrEqual(t, got, hi)
		}
	}
}

func TestBackoffDelay_CappedAtMax(t *testing.T) {
	base := time.Second
	max := 5 * time.Second

	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 3, midpoint))
	assert.Equal(t, 5*time.Second, backoffDelay(base, max, 4, midpoint))
	assert.Equal(t, 5*time.Second, backoffDelay(base, max, 10, midpoint))
	// Deep attempts must not overflow past the cap.
	assert.Equal(t, 5*time.Second, backoffDelay(base, max, 200, midpoint))
}

func TestBackoffDelay_Defaults(t *testing.T) {
	// Zero base falls back to one second; attempt below one is clamped.
	assert.Equal(t, time.Second, backoffDelay(0, time.Hour, 1, midpoint))
	assert.Equal(t, time.Second, backoffDelay(time.Second, time.Hour, 0, midpoint))
}
