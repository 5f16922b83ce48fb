package credit

import (
	"context"
)

// RateLimiter defines the interface for per-user admission control.
// Check never records an admission; Record is called only after a request was
// admitted so that denied attempts do not consume window capacity.
type RateLimiter interface {
	// Check reports whether userID may be admitted under config.
	// Returns (allowed, rateLimitInfo, error)
	Check(ctx context.Context, userID string, config RateLimitConfig) (bool, *RateLimitInfo, error)

	// Record appends an admission for userID at the current time.
	Record(ctx context.Context, userID string) error
}
