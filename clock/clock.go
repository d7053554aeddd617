// Package clock provides the time source used by the session components.
//
// Production code uses Real(). Tests use Fake(), which only moves when
// Advance is called and fires AfterFunc callbacks synchronously, so timer
// driven behavior (inactivity warnings, credential expiry) can be asserted
// at exact instants.
package clock

import "time"

// Clock abstracts the subset of the time package the session components use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. If d <= 0 the fake clock calls
	// f synchronously and the real clock calls it on a new goroutine.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable AfterFunc handle.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
