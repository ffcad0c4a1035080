package cloudsig

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zeebo/assert"
)

func TestLinearBackOff(t *testing.T) {
	b := NewLinearBackOff(100*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)

	for _, want := range []time.Duration{100, 150, 200, 200} {
		assert.Equal(t, want*time.Millisecond, b.NextBackOff())
	}
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestWithLimit(t *testing.T) {
	b := WithLimit(NewConstantBackOff(time.Second), 2)

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestExponentialBackOff(t *testing.T) {
	b := NewExponentialBackOff(10*time.Millisecond, 40*time.Millisecond)

	for range 10 {
		d := b.NextBackOff()
		assert.That(t, d > 0)
		// jitter is at most half of the capped interval
		assert.That(t, d <= 60*time.Millisecond)
	}
}
