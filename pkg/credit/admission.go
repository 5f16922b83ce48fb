package credit

import (
	"context"
	"fmt"
	"sync"
)

// Admission is a request that passed CheckAndReserveQuota and is waiting to
// be charged for what it delivered. It can be charged once, for at most the
// reserved units.
type Admission struct {
	manager     *Manager
	reservation *Reservation
	displayName string
	policy      *Policy

	mu      sync.Mutex
	charged bool
}

// Admit wraps a reservation made by this manager.
func (m *Manager) Admit(reservation *Reservation, displayName string, policy *Policy) *Admission {
	return &Admission{
		manager:     m,
		reservation: reservation,
		displayName: displayName,
		policy:      policy,
	}
}

// Reservation returns the reservation the request was admitted with.
func (a *Admission) Reservation() *Reservation {
	return a.reservation
}

// Charged reports whether Charge already succeeded.
func (a *Admission) Charged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.charged
}

// Charge bills units under command. Exempt callers only have their usage
// recorded. Cancellation of ctx is ignored so a client disconnect cannot
// skip billing for delivered results. A failed charge may be retried.
func (a *Admission) Charge(ctx context.Context, command string, units int) (*ConsumeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.charged {
		return nil, ErrAlreadyCharged
	}
	res := a.reservation
	if units > res.Units {
		return nil, &ValidationError{
			Field:   "units",
			Message: fmt.Sprintf("cannot charge %d units, only %d were reserved", units, res.Units),
		}
	}

	ctx = context.WithoutCancel(ctx)
	var (
		result *ConsumeResult
		err    error
	)
	if res.Exempt {
		var acc *Account
		acc, err = a.manager.RecordUsageOnly(ctx, res.UserID, a.displayName, command, units)
		if err == nil {
			result = &ConsumeResult{Account: *acc, ConsumptionType: ConsumptionExempt}
		}
	} else {
		result, err = a.manager.ConsumeQuota(ctx, ConsumeRequest{
			UserID:      res.UserID,
			DisplayName: a.displayName,
			Command:     command,
			Units:       units,
			Policy:      a.policy,
		})
	}
	if err != nil {
		return nil, err
	}
	a.charged = true
	return result, nil
}
