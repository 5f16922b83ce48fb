package credit

import (
	"context"
	"errors"
	"time"
)

// CheckAndReserveQuota verifies that the user can afford req.Units without
// mutating the ledger. Admins and unlimited platforms get an exempt
// reservation. Denials are returned as *RateLimitedError or *QuotaExceededError.
//
// The check is optimistic: nothing is held between this call and the matching
// ConsumeQuota. Callers serialize a user's own requests with a TaskGate, or use
// TryConsume to check and consume under one lock.
func (m *Manager) CheckAndReserveQuota(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	start := time.Now()
	if err := validateUnits(req.UserID, req.Units); err != nil {
		return nil, err
	}

	if m.IsExempt(req.UserID, req.Platform) {
		m.metrics.RecordReservation("exempt", time.Since(start))
		return &Reservation{UserID: req.UserID, Units: req.Units, Exempt: true}, nil
	}

	policy := m.policy(req.Policy)
	allowed, info, err := m.rateLimiter.Check(ctx, req.UserID, policy.RateLimit)
	if err != nil {
		return nil, err
	}
	if !allowed {
		m.metrics.RecordReservation("rate_limited", time.Since(start))
		m.logger.Info("rate limited",
			UserField(req.UserID),
			Field{"wait", info.Wait.String()})
		return nil, &RateLimitedError{Wait: info.Wait}
	}

	var bal Balance
	err = m.store.ViewAccounts(ctx, func(accounts map[string]*Account) error {
		bal = m.balanceOf(accounts[req.UserID], policy)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bal.Total < req.Units {
		m.metrics.RecordReservation("quota_exceeded", time.Since(start))
		return nil, &QuotaExceededError{
			Requested:      req.Units,
			RemainingToday: bal.RemainingToday,
			Purchased:      bal.Purchased,
			Total:          bal.Total,
		}
	}

	if err := m.rateLimiter.Record(ctx, req.UserID); err != nil {
		m.logger.Warn("failed to record rate limit admission",
			UserField(req.UserID), ErrorField(err))
	}

	m.metrics.RecordReservation("allowed", time.Since(start))
	return &Reservation{
		UserID:         req.UserID,
		Units:          req.Units,
		RemainingToday: bal.RemainingToday,
		Purchased:      bal.Purchased,
	}, nil
}

// ConsumeQuota deducts req.Units from the free allowance first and then from
// the purchased balance, never driving it below zero. TotalUsageCount grows by
// req.Units unconditionally; callers verify sufficiency beforehand.
func (m *Manager) ConsumeQuota(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if err := validateUnits(req.UserID, req.Units); err != nil {
		return nil, err
	}

	var result *ConsumeResult
	err := m.store.UpdateAccounts(ctx, func(accounts map[string]*Account) error {
		result = m.consumeLocked(accounts, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recordConsumption(req, result)
	return result, nil
}

// TryConsume checks and consumes under a single accounts lock acquisition.
// It returns *QuotaExceededError and leaves the ledger untouched when the
// user cannot afford req.Units.
func (m *Manager) TryConsume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if err := validateUnits(req.UserID, req.Units); err != nil {
		return nil, err
	}
	policy := m.policy(req.Policy)

	var result *ConsumeResult
	err := m.store.UpdateAccounts(ctx, func(accounts map[string]*Account) error {
		bal := m.balanceOf(accounts[req.UserID], policy)
		if bal.Total < req.Units {
			return &QuotaExceededError{
				Requested:      req.Units,
				RemainingToday: bal.RemainingToday,
				Purchased:      bal.Purchased,
				Total:          bal.Total,
			}
		}
		result = m.consumeLocked(accounts, req)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			m.metrics.RecordReservation("quota_exceeded", 0)
		}
		return nil, err
	}

	m.recordConsumption(req, result)
	return result, nil
}

// consumeLocked applies a consumption to the accounts table. Callers hold the
// accounts lock.
func (m *Manager) consumeLocked(accounts map[string]*Account, req ConsumeRequest) *ConsumeResult {
	now := m.clock.Now()
	policy := m.policy(req.Policy)
	acc := m.ensureAccount(accounts, req.UserID, req.DisplayName, now)
	applyDailyReset(acc, DayKey(now, m.config.Location))

	freeUsed := req.Units
	if avail := remainingFree(policy.DailyFreeLimit, acc.DailyUsageCount); freeUsed > avail {
		freeUsed = avail
	}
	purchasedUsed := req.Units - freeUsed
	if purchasedUsed > acc.RemainingPurchasedCount {
		purchasedUsed = acc.RemainingPurchasedCount
	}

	acc.DailyUsageCount += freeUsed
	acc.RemainingPurchasedCount -= purchasedUsed
	acc.TotalUsageCount += req.Units
	acc.LastUsedAt = now

	consumptionType := ConsumptionFree
	switch {
	case freeUsed > 0 && purchasedUsed > 0:
		consumptionType = ConsumptionMixed
	case purchasedUsed > 0:
		consumptionType = ConsumptionPurchased
	}

	return &ConsumeResult{
		Account:         *acc,
		ConsumptionType: consumptionType,
		FreeUsed:        freeUsed,
		PurchasedUsed:   purchasedUsed,
	}
}

func (m *Manager) recordConsumption(req ConsumeRequest, result *ConsumeResult) {
	m.metrics.RecordConsumption(req.Command, result.ConsumptionType, req.Units)
	m.logger.Info("quota consumed",
		UserField(req.UserID),
		Field{"command", req.Command},
		Field{"units", req.Units},
		Field{"consumption_type", string(result.ConsumptionType)},
		Field{"free_used", result.FreeUsed},
		Field{"purchased_used", result.PurchasedUsed})
}

// RecordUsageOnly records usage for exempt callers: TotalUsageCount and
// LastUsedAt change, daily and purchased balances do not.
func (m *Manager) RecordUsageOnly(ctx context.Context, userID, displayName, command string, units int) (*Account, error) {
	if err := validateUnits(userID, units); err != nil {
		return nil, err
	}

	var out Account
	err := m.store.UpdateAccounts(ctx, func(accounts map[string]*Account) error {
		now := m.clock.Now()
		acc := m.ensureAccount(accounts, userID, displayName, now)
		acc.TotalUsageCount += units
		acc.LastUsedAt = now
		out = *acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordConsumption(command, ConsumptionExempt, units)
	m.logger.Debug("usage recorded",
		UserField(userID), Field{"command", command}, Field{"units", units})
	return &out, nil
}

// GetAccount returns a copy of the stored account. The lazy daily reset is not
// applied; use Balance for effective values.
func (m *Manager) GetAccount(ctx context.Context, userID string) (*Account, bool, error) {
	var (
		out   Account
		found bool
	)
	err := m.store.ViewAccounts(ctx, func(accounts map[string]*Account) error {
		if acc, ok := accounts[userID]; ok {
			out = *acc
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &out, true, nil
}

// Balance returns the spendable units of userID under the default policy.
// Unknown users report the full daily allowance.
func (m *Manager) Balance(ctx context.Context, userID string) (*Balance, error) {
	var bal Balance
	err := m.store.ViewAccounts(ctx, func(accounts map[string]*Account) error {
		bal = m.balanceOf(accounts[userID], m.config.Policy)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if bal.Account.UserID == "" {
		bal.Account.UserID = userID
	}
	return &bal, nil
}

// balanceOf computes spendable units without persisting the daily reset.
func (m *Manager) balanceOf(acc *Account, policy Policy) Balance {
	if acc == nil {
		return Balance{
			RemainingToday: policy.DailyFreeLimit,
			Total:          policy.DailyFreeLimit,
		}
	}
	daily := effectiveDaily(acc, m.today())
	remaining := remainingFree(policy.DailyFreeLimit, daily)
	return Balance{
		Account:        *acc,
		EffectiveDaily: daily,
		RemainingToday: remaining,
		Purchased:      acc.RemainingPurchasedCount,
		Total:          remaining + acc.RemainingPurchasedCount,
	}
}
