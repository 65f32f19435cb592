// Package ratelimit implements a sliding-window call budget: at most
// maxCalls calls are permitted in any trailing window interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FloorCalls is the lowest ceiling Lower() may reach, so a throttled
// client keeps making occasional calls instead of going silent.
const FloorCalls = 5

// Window tracks call timestamps over a trailing interval.
// The zero value is not usable; construct with New.
type Window struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	stamps   []time.Time

	now func() time.Time
}

func New(maxCalls int, window time.Duration) *Window {
	return &Window{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
}

// prune drops timestamps that have left the window. Callers hold w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Acquire records a call and returns true if the budget allows it;
// otherwise it returns false without recording anything.
func (w *Window) Acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if len(w.stamps) >= w.maxCalls {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// WaitIfNeeded blocks cooperatively until a slot is available or the context
// is cancelled, then records the call. The wait is bounded by the time the
// oldest timestamp needs to leave the window.
func (w *Window) WaitIfNeeded(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.stamps) < w.maxCalls {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Add(w.window).Sub(now)
		w.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Lower permanently reduces the ceiling after a definitive remote throttle,
// never below FloorCalls. Returns the new ceiling.
func (w *Window) Lower() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.maxCalls / 2
	if next < FloorCalls {
		next = FloorCalls
	}
	w.maxCalls = next
	return next
}

// Ceiling returns the current maximum number of calls per window.
func (w *Window) Ceiling() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCalls
}
