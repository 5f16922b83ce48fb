package credit

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// UpdateUsersBatch applies fn to the whole accounts table under one lock
// acquisition and one write. Either every change fn made is persisted or none.
func (m *Manager) UpdateUsersBatch(ctx context.Context, fn func(accounts map[string]*Account) error) error {
	return m.store.UpdateAccounts(ctx, fn)
}

// AddRechargeRecord appends rec to the recharge history. A missing ID or
// timestamp is filled in. The history is never rewritten.
func (m *Manager) AddRechargeRecord(ctx context.Context, rec *RechargeRecord) error {
	m.stampRecord(rec)
	return m.store.AppendRecharges(ctx, rec)
}

func (m *Manager) stampRecord(rec *RechargeRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clock.Now()
	}
	if rec.TotalAmount == 0 {
		for _, e := range rec.Entries {
			rec.TotalAmount += e.Amount
		}
	}
}

// Recharge credits req.Amount purchased units to the selected accounts and
// appends the matching RechargeRecord. Accounts are created when missing.
func (m *Manager) Recharge(ctx context.Context, req RechargeRequest) (*RechargeRecord, error) {
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "units", Message: "recharge amount must be a positive number"}
	}
	switch req.Type {
	case RechargeSingle:
		if len(req.Users) != 1 {
			return nil, &ValidationError{Field: "users", Message: "single recharge needs exactly one user"}
		}
	case RechargeBatch:
		if len(req.Users) == 0 {
			return nil, &ValidationError{Field: "users", Message: "batch recharge needs at least one user"}
		}
	case RechargeAll:
	default:
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown recharge type %q", req.Type)}
	}

	rec := &RechargeRecord{
		ID:       req.ID,
		Type:     req.Type,
		Operator: req.Operator,
		Note:     req.Note,
	}

	// Lock order: accounts, then recharge history. The record is appended
	// once the credited accounts are saved, and a failed append undoes them.
	err := m.store.UpdateAccountsThen(ctx, func(accounts map[string]*Account) error {
		if req.ID != "" {
			dup := false
			err := m.store.ViewRecharges(ctx, func(records []*RechargeRecord) error {
				for _, r := range records {
					if r.ID == req.ID {
						dup = true
						break
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("%w: %s", ErrDuplicateRecharge, req.ID)
			}
		}

		now := m.clock.Now()
		targets := req.Users
		if req.Type == RechargeAll {
			targets = make(map[string]string, len(accounts))
			for id, acc := range accounts {
				targets[id] = acc.DisplayName
			}
		}

		ids := make([]string, 0, len(targets))
		for id := range targets {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if id == "" {
				return &ValidationError{Field: "users", Message: "missing user identity"}
			}
			acc := m.ensureAccount(accounts, id, targets[id], now)
			before := acc.RemainingPurchasedCount
			acc.RemainingPurchasedCount += req.Amount
			acc.PurchasedCount += req.Amount
			rec.Entries = append(rec.Entries, RechargeEntry{
				UserID:        id,
				DisplayName:   acc.DisplayName,
				Amount:        req.Amount,
				BeforeBalance: before,
				AfterBalance:  acc.RemainingPurchasedCount,
			})
		}

		rec.Timestamp = now
		m.stampRecord(rec)
		return nil
	}, func() error {
		return m.store.AppendRecharges(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordRecharge(req.Type, rec.TotalAmount)
	m.logger.Info("recharge applied",
		Field{"recharge_id", rec.ID},
		Field{"type", string(rec.Type)},
		Field{"operator", rec.Operator},
		Field{"accounts", len(rec.Entries)},
		Field{"total_amount", rec.TotalAmount})
	return rec, nil
}

// RechargeHistory returns page (1-based) of the recharge history, newest first.
func (m *Manager) RechargeHistory(ctx context.Context, page, size int) (*RechargePage, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultRechargeHistoryPageSize
	}

	out := &RechargePage{Page: page, Size: size}
	err := m.store.ViewRecharges(ctx, func(records []*RechargeRecord) error {
		out.Total = len(records)
		// records are stored oldest first
		end := len(records) - (page-1)*size
		if end <= 0 {
			return nil
		}
		start := end - size
		if start < 0 {
			start = 0
		}
		for i := end - 1; i >= start; i-- {
			c := *records[i]
			c.Entries = append([]RechargeEntry(nil), records[i].Entries...)
			out.Records = append(out.Records, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
