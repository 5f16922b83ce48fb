package billing

import (
	"net/http"
)

// Provider is the interface a payment backend implements to sell credits.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes payment events.
	// Paid purchases are recharged into the Manager exactly once.
	WebhookHandler() http.Handler
}
