package execution

import "time"

// Clock abstracts wall-clock time and timed waits so phase timing can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }
