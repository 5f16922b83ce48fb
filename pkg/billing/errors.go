package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when a purchase carries no user reference
	ErrUserNotFound = errors.New("purchase has no user reference")

	// ErrPackNotConfigured is returned for price IDs missing from Packs
	ErrPackNotConfigured = errors.New("credit pack not configured")

	// ErrNotPaid is returned when a purchase has not been paid yet
	ErrNotPaid = errors.New("purchase not paid")
)
