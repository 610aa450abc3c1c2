package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayDoubles(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Max: time.Hour}

	got := []time.Duration{p.Delay(1), p.Delay(2), p.Delay(3)}
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, got)
}

func TestExponentialCapped(t *testing.T) {
	var prev time.Duration
	for attempt := 1; attempt <= 20; attempt++ {
		d := Exponential(10*time.Second, 30*time.Second, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 30*time.Second, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 30*time.Second, Exponential(10*time.Second, 30*time.Second, 3))
}

func TestExponentialNonPositiveAttempt(t *testing.T) {
	assert.Equal(t, time.Second, Exponential(time.Second, 0, 0))
	assert.Equal(t, time.Second, Exponential(time.Second, 0, -4))
}

func TestExponentialJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := ExponentialJitter(time.Second, time.Minute, 3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.Less(t, d, 4800*time.Millisecond)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Minute, p.Delay(30))
}
