package stripe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
)

const endpointCheckoutSessions = "/checkout/sessions"

// CheckoutURL creates a one-time payment Checkout Session for the credit pack
// sold under priceID and returns its URL. The buyer is attached as the
// client reference so the completed session can be recharged.
func (p *Provider) CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	if userID == "" {
		return "", billing.ErrUserNotFound
	}
	credits := p.PackCredits(priceID)
	if credits <= 0 {
		p.metrics.RecordAPICall(providerName, endpointCheckoutSessions, "pack_not_found", 0)
		return "", fmt.Errorf("%w: %s", billing.ErrPackNotConfigured, priceID)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata(metaUserID, userID)
	params.AddMetadata(metaPriceID, priceID)
	params.AddMetadata(metaCredits, strconv.Itoa(credits))

	session, err := p.sessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointCheckoutSessions, "error", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, endpointCheckoutSessions, "success", time.Since(startTime))
	return session.URL, nil
}
