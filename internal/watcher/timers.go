package watcher

import (
	"sync"
	"time"

	"github.com/betpool/fund-engine/internal/metrics"
)

// Timers is a cancelable one-shot timer registry keyed by aggregate id.
// Scheduling an id cancels any prior timer for the same id, so feed
// replays and state changes reschedule idempotently without duplicate
// firings.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewTimers creates an empty registry.
func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any pending timer for id.
// A non-positive d fires fn immediately on its own goroutine.
func (t *Timers) Schedule(id string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.pending[id]; ok {
		prev.Stop()
		delete(t.pending, id)
		metrics.WatcherTimers.Dec()
	}
	if d <= 0 {
		go fn()
		return
	}
	// The callback deregisters only its own timer: a firing that loses
	// the race with a reschedule must not evict the replacement.
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.pending[id] == timer {
			delete(t.pending, id)
			metrics.WatcherTimers.Dec()
		}
		t.mu.Unlock()
		fn()
	})
	t.pending[id] = timer
	metrics.WatcherTimers.Inc()
}

// Cancel stops any pending timer for id.
func (t *Timers) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[id]; ok {
		prev.Stop()
		delete(t.pending, id)
		metrics.WatcherTimers.Dec()
	}
}

// Stop cancels every pending timer and refuses new schedules.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
		metrics.WatcherTimers.Dec()
	}
}

// Pending reports the number of armed timers.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
