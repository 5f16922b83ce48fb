package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/billing/internal"
	"github.com/mihaimyh/gocredit/pkg/credit"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventTypeSync              = "sync"

	statusSuccess   = "success"
	statusIgnored   = "ignored"
	statusDuplicate = "duplicate"
	statusError     = "error"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		p.metrics.RecordWebhook(providerName, eventType, statusError, time.Since(startTime))
		p.logger.Warn("stripe webhook rejected",
			credit.Field{Key: "event_id", Value: event.ID},
			credit.Field{Key: "event_type", Value: eventType},
			credit.ErrorField(err))
		if isPermanent(err) {
			// Stripe would redeliver forever; acknowledge with a client error
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhook(providerName, eventType, status, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// processWebhookEvent routes an event and reports its webhook status.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		status, err := p.applyCheckoutSession(ctx, &session, string(event.Type), time.Unix(event.Created, 0))
		if errors.Is(err, billing.ErrNotPaid) {
			// the async_payment_succeeded event follows once funds settle
			return statusIgnored, nil
		}
		return status, err
	default:
		return statusIgnored, nil
	}
}

// applyCheckoutSession recharges the credits bought by a paid session. The
// session ID is the recharge ID, so redeliveries and replays of the same
// session are reported as duplicates.
func (p *Provider) applyCheckoutSession(
	ctx context.Context, session *stripe.CheckoutSession, eventType string, eventTimestamp time.Time,
) (string, error) {
	if session.ID == "" {
		return "", fmt.Errorf("%w: checkout session without id", billing.ErrInvalidWebhookPayload)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		return "", fmt.Errorf("%w: session %s is %s", billing.ErrNotPaid, session.ID, session.PaymentStatus)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[metaUserID]
	}
	if userID == "" {
		return "", fmt.Errorf("%w: session %s", billing.ErrUserNotFound, session.ID)
	}

	credits, err := p.sessionCredits(session)
	if err != nil {
		return "", err
	}

	rec, err := p.manager.Recharge(ctx, credit.RechargeRequest{
		ID:       session.ID,
		Type:     credit.RechargeSingle,
		Operator: providerName,
		Users:    map[string]string{userID: session.Metadata[metaDisplayName]},
		Amount:   credits,
		Note:     "stripe checkout " + session.ID,
	})
	if errors.Is(err, credit.ErrDuplicateRecharge) {
		return statusDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	p.metrics.RecordTopUp(providerName, credits)

	if p.onTopUp != nil {
		balance := 0
		if len(rec.Entries) > 0 {
			balance = rec.Entries[0].AfterBalance
		}
		p.onTopUp(billing.TopUpEvent{
			UserID:         userID,
			Credits:        credits,
			RechargeID:     rec.ID,
			Balance:        balance,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: eventTimestamp,
			Metadata:       session.Metadata,
		})
	}
	return statusSuccess, nil
}

// sessionCredits prefers the configured pack size for the session's price and
// falls back to the credits recorded in the session metadata.
func (p *Provider) sessionCredits(session *stripe.CheckoutSession) (int, error) {
	if credits := p.PackCredits(session.Metadata[metaPriceID]); credits > 0 {
		return credits, nil
	}
	if raw := session.Metadata[metaCredits]; raw != "" {
		credits, err := strconv.Atoi(raw)
		if err == nil && credits > 0 {
			return credits, nil
		}
	}
	return 0, fmt.Errorf("%w: session %s price %q", billing.ErrPackNotConfigured,
		session.ID, session.Metadata[metaPriceID])
}

// isPermanent reports whether redelivering the event cannot succeed.
func isPermanent(err error) bool {
	var validation *credit.ValidationError
	return errors.As(err, &validation) ||
		errors.Is(err, billing.ErrInvalidWebhookPayload) ||
		errors.Is(err, billing.ErrUserNotFound) ||
		errors.Is(err, billing.ErrPackNotConfigured)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
