// Package document implements credit.Store on top of whole-table JSON
// documents. Each table has its own FIFO lock, is loaded into memory on first
// access and is written back through a credit.Backend before the lock is
// released.
//
// Recovery favours availability: a document that cannot be read falls back to
// its backup, and if that is unreadable too the table starts empty and the
// failure is logged at error level.
package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Config holds document store configuration
type Config struct {
	// Indent writes human-readable JSON (default: false)
	Indent bool

	// Metrics is used for tracking table operations (default: NoopMetrics)
	Metrics credit.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger credit.Logger
}

// Store implements credit.Store over three documents: accounts keyed by user
// ID, the append-only recharge history and pending jobs keyed by job ID.
type Store struct {
	accounts  *table[map[string]*credit.Account]
	recharges *table[[]*credit.RechargeRecord]
	jobs      *table[map[string]*credit.PendingJob]
}

var _ credit.Store = (*Store)(nil)

// New creates a document store persisting through backend
func New(backend credit.Backend, config Config) (*Store, error) {
	if backend == nil {
		return nil, credit.ErrStorageUnavailable
	}
	if config.Metrics == nil {
		config.Metrics = &credit.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &credit.NoopLogger{}
	}

	return &Store{
		accounts: newTable(credit.TableAccounts, backend, config,
			func() map[string]*credit.Account { return make(map[string]*credit.Account) },
			cloneAccounts),
		recharges: newTable(credit.TableRechargeHistory, backend, config,
			func() []*credit.RechargeRecord { return []*credit.RechargeRecord{} },
			cloneRecharges),
		jobs: newTable(credit.TablePendingJobs, backend, config,
			func() map[string]*credit.PendingJob { return make(map[string]*credit.PendingJob) },
			cloneJobs),
	}, nil
}

// ViewAccounts implements credit.Store
func (s *Store) ViewAccounts(ctx context.Context, fn func(map[string]*credit.Account) error) error {
	return s.accounts.view(ctx, fn)
}

// UpdateAccounts implements credit.Store
func (s *Store) UpdateAccounts(ctx context.Context, fn func(map[string]*credit.Account) error) error {
	return s.accounts.update(ctx, func(accounts map[string]*credit.Account) (map[string]*credit.Account, error) {
		return accounts, fn(accounts)
	})
}

// UpdateAccountsThen implements credit.Store
func (s *Store) UpdateAccountsThen(ctx context.Context, fn func(map[string]*credit.Account) error, after func() error) error {
	return s.accounts.updateThen(ctx, func(accounts map[string]*credit.Account) (map[string]*credit.Account, error) {
		return accounts, fn(accounts)
	}, after)
}

// ViewRecharges implements credit.Store
func (s *Store) ViewRecharges(ctx context.Context, fn func([]*credit.RechargeRecord) error) error {
	return s.recharges.view(ctx, fn)
}

// AppendRecharges implements credit.Store
func (s *Store) AppendRecharges(ctx context.Context, records ...*credit.RechargeRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r == nil || r.ID == "" {
			return fmt.Errorf("document: recharge record without id")
		}
	}
	return s.recharges.update(ctx, func(existing []*credit.RechargeRecord) ([]*credit.RechargeRecord, error) {
		for _, r := range records {
			for _, e := range existing {
				if e.ID == r.ID {
					return nil, fmt.Errorf("%w: %s", credit.ErrDuplicateRecharge, r.ID)
				}
			}
		}
		return append(existing, records...), nil
	})
}

// ViewPendingJobs implements credit.Store
func (s *Store) ViewPendingJobs(ctx context.Context, fn func(map[string]*credit.PendingJob) error) error {
	return s.jobs.view(ctx, fn)
}

// UpdatePendingJobs implements credit.Store
func (s *Store) UpdatePendingJobs(ctx context.Context, fn func(map[string]*credit.PendingJob) error) error {
	return s.jobs.update(ctx, func(jobs map[string]*credit.PendingJob) (map[string]*credit.PendingJob, error) {
		return jobs, fn(jobs)
	})
}

func cloneAccounts(in map[string]*credit.Account) map[string]*credit.Account {
	out := make(map[string]*credit.Account, len(in))
	for id, acc := range in {
		if acc == nil {
			continue
		}
		c := *acc
		out[id] = &c
	}
	return out
}

// cloneRecharges copies the slice only; records are immutable once appended.
func cloneRecharges(in []*credit.RechargeRecord) []*credit.RechargeRecord {
	out := make([]*credit.RechargeRecord, 0, len(in)+1)
	for _, r := range in {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func cloneJobs(in map[string]*credit.PendingJob) map[string]*credit.PendingJob {
	out := make(map[string]*credit.PendingJob, len(in))
	for id, job := range in {
		if job == nil {
			continue
		}
		c := *job
		if job.ChargedAt != nil {
			t := *job.ChargedAt
			c.ChargedAt = &t
		}
		out[id] = &c
	}
	return out
}

func encode(v interface{}, indent bool) ([]byte, error) {
	if indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
