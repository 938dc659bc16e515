package rdy

import (
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffTimer is the external collaborator that turns a sequence of
// success()/failure() signals into a current backoff interval. A
// ReaderRdy holds exactly one, shared across every connection it owns.
type BackoffTimer interface {
	// Success resets the timer, as if no failures had ever occurred.
	Success()
	// Failure advances the timer to a longer interval.
	Failure()
	// GetInterval returns the interval a caller should currently wait
	// before probing again.
	GetInterval() time.Duration
}

// expBackoffTimer is the default BackoffTimer, built on
// cenkalti/backoff's exponential interval generator. That library is
// shaped around a single Retry(operation) loop; this type adapts its
// NextBackOff/Reset primitives into the persistent success/failure
// interval source this package's state machines expect.
type expBackoffTimer struct {
	b       *backoff.ExponentialBackOff
	current time.Duration
}

// NewExponentialBackoffTimer builds a BackoffTimer whose interval
// starts at initial, doubles on every consecutive failure (with jitter),
// and is capped at maxInterval. A Success call resets it to initial.
func NewExponentialBackoffTimer(initial, maxInterval time.Duration) BackoffTimer {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxInterval <= 0 {
		maxInterval = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // never give up; this is an interval source, not a retry loop
	b.Reset()
	// NextBackOff returns the interval from before its own growth step;
	// consume that one so the first Failure already reports a longer one.
	b.NextBackOff()
	return &expBackoffTimer{b: b, current: initial}
}

func (t *expBackoffTimer) Success() {
	t.b.Reset()
	t.b.NextBackOff()
	t.current = t.b.InitialInterval
}

func (t *expBackoffTimer) Failure() {
	d := t.b.NextBackOff()
	// The library caps its base interval but not the jitter applied to it.
	if d == backoff.Stop || d > t.b.MaxInterval {
		d = t.b.MaxInterval
	}
	t.current = d
}

func (t *expBackoffTimer) GetInterval() time.Duration {
	return t.current
}
