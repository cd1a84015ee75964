// Package clock abstracts time so timed waits can be driven by tests.
package clock

import "time"

// Clock is the subset of the time package used by timed loops.
type Clock interface {
	Now() time.Time
	// After fires once d has elapsed. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
