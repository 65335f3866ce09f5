// Package ratelimit throttles repeated actions per (userId, actionKind)
// with a configurable minimum interval per kind. It replaces ad hoc
// per-field timestamp checks: every debounced action goes through one
// limiter keyed by user and action name.
package ratelimit

import (
	"sync"
	"time"
)

// Action kinds known to the dispatch core.
const (
	ActionAccept  = "accept"
	ActionRealert = "realert"
)

// Limiter enforces "at most one action per interval per user". State is
// in-memory; a dropped process simply forgets the debounce, which is fine
// because this is a UX debounce, not a correctness mechanism.
type Limiter struct {
	mu        sync.Mutex
	last      map[string]time.Time
	intervals map[string]time.Duration
	now       func() time.Time
}

// New creates a limiter with the given per-action minimum intervals.
// Unknown actions are never limited.
func New(intervals map[string]time.Duration) *Limiter {
	return &Limiter{
		last:      make(map[string]time.Time),
		intervals: intervals,
		now:       time.Now,
	}
}

// Allow reports whether the action may proceed now, and records the attempt
// when it may. Denied attempts do not push the window.
func (l *Limiter) Allow(userID, action string) bool {
	interval, ok := l.intervals[action]
	if !ok || interval <= 0 {
		return true
	}

	key := userID + ":" + action
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[key] = now
	return true
}

// Sweep drops entries older than the longest configured interval. Called
// periodically so the map does not grow with every user ever seen.
func (l *Limiter) Sweep() {
	var longest time.Duration
	for _, iv := range l.intervals {
		if iv > longest {
			longest = iv
		}
	}
	cutoff := l.now().Add(-longest)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, last := range l.last {
		if last.Before(cutoff) {
			delete(l.last, key)
		}
	}
}

// SweepEvery runs Sweep on a ticker until stop is closed.
func (l *Limiter) SweepEvery(interval time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			l.Sweep()
		case <-stop:
			return
		}
	}
}
