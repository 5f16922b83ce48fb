package stripe

import (
	"context"
	"fmt"
	"time"
)

// SyncSession fetches a Checkout Session from Stripe and recharges it if it
// is paid and has not been recharged yet. It recovers purchases whose
// webhook never arrived. Applied is false when the session was already
// recorded.
func (p *Provider) SyncSession(ctx context.Context, sessionID string) (applied bool, err error) {
	startTime := time.Now()
	endpoint := endpointCheckoutSessions + "/retrieve"

	session, err := p.sessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error", time.Since(startTime))
		return false, fmt.Errorf("failed to fetch checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success", time.Since(startTime))

	status, err := p.applyCheckoutSession(ctx, session, eventTypeSync, time.Unix(session.Created, 0))
	if err != nil {
		return false, err
	}
	return status == statusSuccess, nil
}
