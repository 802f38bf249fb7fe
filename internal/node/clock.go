package node

import "time"

// Clock is the time source for connection timeouts. Tests substitute a
// fake whose Sleep advances Now and fires due AfterFunc callbacks.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	// AfterFunc calls f once d has elapsed. stop prevents the call and
	// reports whether it did so.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// SystemClock returns a [Clock] backed by the time package.
func SystemClock() Clock { return systemClock{} }

// Deadline is a point in time evaluated against a [Clock].
type Deadline struct {
	clock Clock
	at    time.Time
}

// NewDeadline returns a deadline d from now on c.
func NewDeadline(c Clock, d time.Duration) Deadline {
	return Deadline{clock: c, at: c.Now().Add(d)}
}

// Expired reports whether the deadline has been reached.
func (d Deadline) Expired() bool {
	return !d.clock.Now().Before(d.at)
}
