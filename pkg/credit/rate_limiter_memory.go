package credit

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter implements a sliding-window RateLimiter in process memory.
// Windows are not persisted; a restart forgets all admissions.
type MemoryRateLimiter struct {
	mu    sync.Mutex
	clock Clock
	// windows stores admission timestamps per user, oldest first
	windows map[string][]time.Time
	// spans remembers the longest window each user was checked against so
	// Record can prune without a config
	spans map[string]time.Duration
}

// NewMemoryRateLimiter creates a new in-memory rate limiter.
// A nil clock uses SystemClock.
func NewMemoryRateLimiter(clock Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryRateLimiter{
		clock:   clock,
		windows: make(map[string][]time.Time),
		spans:   make(map[string]time.Duration),
	}
}

// Check prunes userID's window and reports whether one more admission fits.
func (r *MemoryRateLimiter) Check(_ context.Context, userID string, config RateLimitConfig) (bool, *RateLimitInfo, error) {
	now := r.clock.Now()
	if config.Max <= 0 || config.Window <= 0 {
		return true, &RateLimitInfo{Remaining: -1, ResetTime: now, Limit: config.Max}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Window > r.spans[userID] {
		r.spans[userID] = config.Window
	}
	timestamps := r.prune(userID, now.Add(-config.Window))

	if len(timestamps) >= config.Max {
		resetTime := timestamps[len(timestamps)-config.Max].Add(config.Window)
		return false, &RateLimitInfo{
			Remaining: 0,
			ResetTime: resetTime,
			Wait:      resetTime.Sub(now),
			Limit:     config.Max,
		}, nil
	}

	resetTime := now.Add(config.Window)
	if len(timestamps) > 0 {
		resetTime = timestamps[0].Add(config.Window)
	}
	return true, &RateLimitInfo{
		Remaining: config.Max - len(timestamps),
		ResetTime: resetTime,
		Limit:     config.Max,
	}, nil
}

// Record appends now to userID's window.
func (r *MemoryRateLimiter) Record(_ context.Context, userID string) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if span, ok := r.spans[userID]; ok {
		r.prune(userID, now.Add(-span))
	}
	r.windows[userID] = append(r.windows[userID], now)
	return nil
}

// prune drops timestamps at or before cutoff and forgets empty windows.
// Callers hold r.mu.
func (r *MemoryRateLimiter) prune(userID string, cutoff time.Time) []time.Time {
	timestamps := r.windows[userID]
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	timestamps = timestamps[i:]
	if len(timestamps) == 0 {
		delete(r.windows, userID)
		delete(r.spans, userID)
		return nil
	}
	r.windows[userID] = timestamps
	return timestamps
}
