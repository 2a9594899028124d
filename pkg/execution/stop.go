package execution

import "sync"

// Stop is the cooperative cancellation signal for one run. Requesting a stop
// never interrupts an in-flight transport call; the runner observes the
// signal at phase-entry and step-boundary checkpoints.
type Stop struct {
	once sync.Once
	ch   chan struct{}
}

// NewStop creates an unrequested stop signal.
func NewStop() *Stop {
	return &Stop{ch: make(chan struct{})}
}

// Request marks the stop, idempotent.
func (s *Stop) Request() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Requested reports whether a stop has been asked for.
func (s *Stop) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the stop is requested.
func (s *Stop) Done() <-chan struct{} {
	return s.ch
}
