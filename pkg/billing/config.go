package billing

import (
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the credit Manager that purchased units are recharged into
	Manager *credit.Manager

	// Packs maps provider price IDs to the number of credits they buy.
	// For example: map[string]int{"price_credits_50": 50, "price_credits_200": 200}
	Packs map[string]int

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookRateLimit bounds webhook requests per client IP.
	// Zero Max selects 100 requests per minute.
	WebhookRateLimit credit.RateLimitConfig

	// OnTopUp is called after a purchase has been recharged (optional).
	// It is not called for replays of an already recorded purchase.
	OnTopUp func(TopUpEvent)

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}
