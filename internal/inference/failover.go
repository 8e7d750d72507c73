package inference

import (
	"sync/atomic"
)

const (
	stateUntried int32 = iota
	stateOnPrimary
	stateOnFallback
)

// endpoints tracks which daemon location calls should target.
// The switch to the fallback happens at most once and is permanent.
type endpoints struct {
	primary  string
	fallback string
	state    atomic.Int32
}

func newEndpoints(primary, fallback string) *endpoints {
	return &endpoints{primary: primary, fallback: fallback}
}

func (e *endpoints) current() string {
	if e.state.Load() == stateOnFallback {
		return e.fallback
	}
	return e.primary
}

func (e *endpoints) onFallback() bool {
	return e.state.Load() == stateOnFallback
}

// markHealthy records the first successful call against the primary.
func (e *endpoints) markHealthy() {
	e.state.CompareAndSwap(stateUntried, stateOnPrimary)
}

// switchToFallback moves to the fallback after a connection failure against attempted.
// It reports the fallback location and whether the caller should retry against it.
func (e *endpoints) switchToFallback(attempted string) (string, bool) {
	if e.fallback == "" || e.fallback == e.primary || attempted == e.fallback {
		return "", false
	}
	for {
		s := e.state.Load()
		if s == stateOnFallback {
			return e.fallback, true
		}
		if e.state.CompareAndSwap(s, stateOnFallback) {
			return e.fallback, true
		}
	}
}
