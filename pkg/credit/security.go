package credit

import (
	"sync"
	"time"
)

// SecurityVerdict is the escalation decision for one content-policy rejection.
type SecurityVerdict struct {
	// Count is the number of rejections inside the window, including this one
	Count int

	// ShouldWarn is set exactly once per latch, when Count reaches the threshold
	ShouldWarn bool

	// ShouldDeduct is set for every rejection after the warning
	ShouldDeduct bool
}

type securityWindow struct {
	timestamps []time.Time
	warned     bool
}

// SecurityTracker escalates repeated content-policy rejections: the first
// threshold-1 rejections are free, the threshold-th is a warning and every one
// after that is billed.
//
// The warned latch lives in process memory and is cleared when every rejection
// has aged out of the window.
type SecurityTracker struct {
	mu        sync.Mutex
	clock     Clock
	window    time.Duration
	threshold int
	users     map[string]*securityWindow
}

// NewSecurityTracker creates a tracker. A nil clock uses SystemClock.
func NewSecurityTracker(window time.Duration, threshold int, clock Clock) *SecurityTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = defaultSecurityWindow
	}
	if threshold <= 0 {
		threshold = defaultSecurityThreshold
	}
	return &SecurityTracker{
		clock:     clock,
		window:    window,
		threshold: threshold,
		users:     make(map[string]*securityWindow),
	}
}

// RecordRejection registers a rejection for userID and returns the verdict.
func (t *SecurityTracker) RecordRejection(userID string) SecurityVerdict {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.users[userID]
	if !ok {
		w = &securityWindow{}
		t.users[userID] = w
	}

	cutoff := now.Add(-t.window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	w.timestamps = w.timestamps[i:]
	if len(w.timestamps) == 0 {
		w.warned = false
	}

	w.timestamps = append(w.timestamps, now)
	v := SecurityVerdict{Count: len(w.timestamps)}

	switch {
	case v.Count >= t.threshold && !w.warned:
		w.warned = true
		v.ShouldWarn = true
	case v.Count > t.threshold && w.warned:
		v.ShouldDeduct = true
	}
	return v
}

// Count returns the rejections currently inside userID's window.
func (t *SecurityTracker) Count(userID string) int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.users[userID]
	if !ok {
		return 0
	}
	cutoff := now.Add(-t.window)
	n := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
