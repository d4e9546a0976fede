package upstream

import "sync/atomic"

// consecutiveFailureThreshold is how many consecutive request failures
// mark an upstream unhealthy; a single success clears it.
const consecutiveFailureThreshold = 3

// healthTracker is a lock-free consecutive-failure counter.
type healthTracker struct {
	consecutiveFailures atomic.Int32
	unhealthy           atomic.Bool
}

func newHealthTracker() *healthTracker {
	return &healthTracker{}
}

func (h *healthTracker) recordSuccess() {
	h.consecutiveFailures.Store(0)
	h.unhealthy.Store(false)
}

func (h *healthTracker) recordFailure() {
	if h.consecutiveFailures.Add(1) >= consecutiveFailureThreshold {
		h.unhealthy.Store(true)
	}
}

func (h *healthTracker) healthy() bool {
	return !h.unhealthy.Load()
}
