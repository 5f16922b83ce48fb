package credit

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// errJobSettled aborts a charge whose job was marked or removed concurrently.
var errJobSettled = errors.New("pending job already settled")

// JobCreditCost converts the units of an async job into its credit cost.
func (m *Manager) JobCreditCost(units int) int {
	return units * m.config.PerJobCreditMultiplier
}

// CountUnchargedJobs returns the number of uncharged pending jobs of userID.
func (m *Manager) CountUnchargedJobs(ctx context.Context, userID string) (int, error) {
	n := 0
	err := m.store.ViewPendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		n = countUncharged(jobs, userID)
		return nil
	})
	return n, err
}

func countUncharged(jobs map[string]*PendingJob, userID string) int {
	n := 0
	for _, j := range jobs {
		if j.UserID == userID && !j.Charged {
			n++
		}
	}
	return n
}

// AddPendingJobWithLimit registers job unless its user already has max or more
// uncharged jobs, in which case a *PendingJobLimitError is returned. The count
// and the insert happen under one pending-jobs lock acquisition. A max of zero
// uses Config.MaxUnchargedJobsPerUser.
func (m *Manager) AddPendingJobWithLimit(ctx context.Context, job *PendingJob, max int) error {
	if job == nil || job.JobID == "" {
		return &ValidationError{Field: "job", Message: "missing job id"}
	}
	if job.UserID == "" {
		return &ValidationError{Field: "user", Message: "missing user identity"}
	}
	if max <= 0 {
		max = m.config.MaxUnchargedJobsPerUser
	}

	entry := *job
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock.Now()
	}
	entry.Charged = false
	entry.ChargedAt = nil

	err := m.store.UpdatePendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		if _, exists := jobs[entry.JobID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, entry.JobID)
		}
		if count := countUncharged(jobs, entry.UserID); count >= max {
			return &PendingJobLimitError{Count: count, Max: max}
		}
		jobs[entry.JobID] = &entry
		return nil
	})
	if err != nil {
		m.metrics.RecordPendingJob("rejected")
		return err
	}

	m.metrics.RecordPendingJob("registered")
	m.logger.Info("pending job registered",
		Field{"job_id", entry.JobID},
		UserField(entry.UserID),
		Field{"command", entry.CommandName},
		Field{"credit_cost", entry.CreditCost})
	return nil
}

// GetPendingJob returns a copy of the pending job, or ErrJobNotFound.
func (m *Manager) GetPendingJob(ctx context.Context, jobID string) (*PendingJob, error) {
	var out *PendingJob
	err := m.store.ViewPendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		if j, ok := jobs[jobID]; ok {
			c := *j
			out = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrJobNotFound
	}
	return out, nil
}

// ListPendingJobs returns pending jobs, oldest first. An empty userID lists all users.
func (m *Manager) ListPendingJobs(ctx context.Context, userID string) ([]*PendingJob, error) {
	var out []*PendingJob
	err := m.store.ViewPendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		for _, j := range jobs {
			if userID == "" || j.UserID == userID {
				c := *j
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].JobID < out[k].JobID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// MarkPendingJobCharged flips charged to true. It reports whether the job
// changed; an already charged or unknown job is a no-op.
func (m *Manager) MarkPendingJobCharged(ctx context.Context, jobID string) (bool, error) {
	changed := false
	err := m.store.UpdatePendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		changed = m.markChargedLocked(jobs, jobID)
		return nil
	})
	return changed, err
}

func (m *Manager) markChargedLocked(jobs map[string]*PendingJob, jobID string) bool {
	j, ok := jobs[jobID]
	if !ok || j.Charged {
		return false
	}
	now := m.clock.Now()
	j.Charged = true
	j.ChargedAt = &now
	return true
}

// DeletePendingJob removes a pending job. It reports whether the job existed;
// deleting an absent job is a no-op.
func (m *Manager) DeletePendingJob(ctx context.Context, jobID string) (bool, error) {
	deleted := false
	err := m.store.UpdatePendingJobs(ctx, func(jobs map[string]*PendingJob) error {
		if _, ok := jobs[jobID]; ok {
			delete(jobs, jobID)
			deleted = true
		}
		return nil
	})
	return deleted, err
}

// ChargePendingJob consumes the job's credit cost and marks it charged in one
// step. The accounts lock is held while the job is marked, and a failed mark
// undoes the charge. It returns a nil result without charging when the job is
// unknown or already charged, so racing reconciliations charge at most once.
func (m *Manager) ChargePendingJob(ctx context.Context, jobID string) (*ConsumeResult, *PendingJob, error) {
	var (
		result *ConsumeResult
		job    PendingJob
	)
	err := m.store.UpdateAccountsThen(ctx, func(accounts map[string]*Account) error {
		return m.store.ViewPendingJobs(ctx, func(jobs map[string]*PendingJob) error {
			j, ok := jobs[jobID]
			if !ok || j.Charged {
				return nil
			}
			req := ConsumeRequest{
				UserID:      j.UserID,
				DisplayName: j.DisplayName,
				Command:     j.CommandName,
				Units:       j.CreditCost,
			}
			switch {
			case j.Exempt && req.Units > 0:
				now := m.clock.Now()
				acc := m.ensureAccount(accounts, req.UserID, req.DisplayName, now)
				acc.TotalUsageCount += req.Units
				acc.LastUsedAt = now
				result = &ConsumeResult{Account: *acc, ConsumptionType: ConsumptionExempt}
			case req.Units > 0:
				result = m.consumeLocked(accounts, req)
			default:
				result = &ConsumeResult{ConsumptionType: ConsumptionFree}
			}
			job = *j
			return nil
		})
	}, func() error {
		if result == nil {
			return nil
		}
		return m.store.UpdatePendingJobs(ctx, func(jobs map[string]*PendingJob) error {
			if !m.markChargedLocked(jobs, jobID) {
				return errJobSettled
			}
			job = *jobs[jobID]
			return nil
		})
	})
	if errors.Is(err, errJobSettled) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if result == nil {
		return nil, nil, nil
	}

	m.metrics.RecordPendingJob("charged")
	if job.CreditCost > 0 && !job.Exempt {
		m.recordConsumption(ConsumeRequest{UserID: job.UserID, Command: job.CommandName, Units: job.CreditCost}, result)
	}
	return result, &job, nil
}
