package workflows

import "context"

// limiter bounds concurrent in-flight tasks with a buffered channel
// semaphore, the teacher's bounded-dispatch shape generalized from
// single-flight to N-way (spec §4.6 max_in_flight).
type limiter struct {
	slots chan struct{}
}

func newLimiter(maxInFlight int) *limiter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &limiter{slots: make(chan struct{}, maxInFlight)}
}

// acquire blocks until a slot is free or ctx is done.
func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limiter) release() {
	<-l.slots
}
