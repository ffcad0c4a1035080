package cloudsig

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NewExponentialBackOff returns a jittered exponential backoff starting at
// initial and capped at maxInterval.
func NewExponentialBackOff(initial, maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Reset()
	return b
}

// NewConstantBackOff waits the same interval before every resend.
func NewConstantBackOff(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}

// LinearBackOff grows the delay by Step on every call, starting at
// Initial, up to Max.
type LinearBackOff struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration

	n int
}

func NewLinearBackOff(initial, step, maxInterval time.Duration) *LinearBackOff {
	return &LinearBackOff{Initial: initial, Step: step, Max: maxInterval}
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	d := b.Initial + time.Duration(b.n)*b.Step
	b.n++
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b *LinearBackOff) Reset() {
	b.n = 0
}

// limitedBackOff stops after a fixed number of delays.
type limitedBackOff struct {
	backoff.BackOff

	limit int
	n     int
}

// WithLimit stops b after limit delays.
func WithLimit(b backoff.BackOff, limit int) backoff.BackOff {
	return &limitedBackOff{BackOff: b, limit: limit}
}

func (b *limitedBackOff) NextBackOff() time.Duration {
	if b.n >= b.limit {
		return backoff.Stop
	}
	b.n++
	return b.BackOff.NextBackOff()
}

func (b *limitedBackOff) Reset() {
	b.n = 0
	b.BackOff.Reset()
}
