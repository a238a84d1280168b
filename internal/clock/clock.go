// Package clock abstracts the few time operations the session engine uses
// so that watchdog deadlines and retry delays can be driven deterministically
// in tests.
//
// Production code uses Real(); tests use Fake() and call Advance.
package clock

import "time"

// Clock is the time source injected into timer-driven components.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives after d elapses. If d <= 0 it receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f after d elapses and returns a Timer that can cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
