package proximity

import (
	"sync"
	"time"
)

type timerKey struct {
	consumerID string
	vendorID   string
}

// timerArena owns every scheduled grace timer, keyed by pair, so timers are
// cancelled by id instead of leaking callbacks that reference evicted pairs.
type timerArena struct {
	mu      sync.Mutex
	timers  map[timerKey]*time.Timer
	stopped bool
}

func newTimerArena() *timerArena {
	return &timerArena{timers: make(map[timerKey]*time.Timer)}
}

// schedule arms a timer for the pair, replacing any existing one.
func (a *timerArena) schedule(k timerKey, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if t, ok := a.timers[k]; ok {
		t.Stop()
	}
	a.timers[k] = time.AfterFunc(d, func() {
		a.remove(k)
		fn()
	})
}

// scheduleIfAbsent arms a timer only when none is pending for the pair.
func (a *timerArena) scheduleIfAbsent(k timerKey, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if _, ok := a.timers[k]; ok {
		return
	}
	a.timers[k] = time.AfterFunc(d, func() {
		a.remove(k)
		fn()
	})
}

// cancel disarms and forgets the pair's timer, if any.
func (a *timerArena) cancel(k timerKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[k]; ok {
		t.Stop()
		delete(a.timers, k)
	}
}

func (a *timerArena) remove(k timerKey) {
	a.mu.Lock()
	delete(a.timers, k)
	a.mu.Unlock()
}

// pending reports how many timers are armed, for tests and stats.
func (a *timerArena) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// stopAll disarms everything and refuses further scheduling.
func (a *timerArena) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for k, t := range a.timers {
		t.Stop()
		delete(a.timers, k)
	}
}
