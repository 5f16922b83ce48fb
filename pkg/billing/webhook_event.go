package billing

import "time"

// TopUpEvent describes a purchase that was recharged into the ledger.
type TopUpEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Credits is the number of purchased units credited
	Credits int

	// RechargeID identifies the RechargeRecord; it is the provider's purchase ID
	RechargeID string

	// Balance is the user's purchased balance after the recharge
	Balance int

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, or "sync" for manual replays
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains provider-specific purchase metadata
	Metadata map[string]string
}
