package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(interval time.Duration) (*Limiter, *time.Time) {
	l := New(map[string]time.Duration{ActionAccept: interval})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowWithinInterval(t *testing.T) {
	l, now := newTestLimiter(3 * time.Second)

	if !l.Allow("w1", ActionAccept) {
		t.Fatal("first attempt must be allowed")
	}
	if l.Allow("w1", ActionAccept) {
		t.Fatal("second attempt inside the interval must be denied")
	}

	*now = now.Add(3 * time.Second)
	if !l.Allow("w1", ActionAccept) {
		t.Fatal("attempt after the interval must be allowed")
	}
}

func TestDeniedAttemptDoesNotExtendWindow(t *testing.T) {
	l, now := newTestLimiter(3 * time.Second)

	l.Allow("w1", ActionAccept)
	*now = now.Add(2 * time.Second)
	l.Allow("w1", ActionAccept) // denied
	*now = now.Add(1 * time.Second)
	if !l.Allow("w1", ActionAccept) {
		t.Fatal("window must run from the last allowed attempt")
	}
}

func TestUsersAndActionsAreIndependent(t *testing.T) {
	l := New(map[string]time.Duration{
		ActionAccept:  3 * time.Second,
		ActionRealert: 3 * time.Hour,
	})

	if !l.Allow("w1", ActionAccept) || !l.Allow("w2", ActionAccept) {
		t.Fatal("different users must not share a window")
	}
	if !l.Allow("w1", ActionRealert) {
		t.Fatal("different actions must not share a window")
	}
	if !l.Allow("w1", "unknown-action") || !l.Allow("w1", "unknown-action") {
		t.Fatal("unknown actions are never limited")
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	l, now := newTestLimiter(3 * time.Second)
	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("w%d", i), ActionAccept)
	}
	*now = now.Add(time.Minute)
	l.Sweep()

	l.mu.Lock()
	n := len(l.last)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected sweep to empty the map, %d entries left", n)
	}
}

func TestConcurrentAllowSingleWinnerPerWindow(t *testing.T) {
	l := New(map[string]time.Duration{ActionAccept: time.Minute})

	var wg sync.WaitGroup
	allowed := 0
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("w1", ActionAccept) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("expected exactly 1 allowed attempt in the window, got %d", allowed)
	}
}
