package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// ReconcileState is what a reconciliation found.
type ReconcileState string

const (
	// ReconcileCharged means the job completed and is now charged and removed
	ReconcileCharged ReconcileState = "charged"
	// ReconcileFailed means the job failed remotely and was removed uncharged
	ReconcileFailed ReconcileState = "failed"
	// ReconcilePending means the job is still running
	ReconcilePending ReconcileState = "pending"
	// ReconcileGone means no pending job with that ID exists
	ReconcileGone ReconcileState = "gone"
)

// Reconciliation is the result of reconciling one pending job.
type Reconciliation struct {
	JobID  string
	State  ReconcileState
	Job    *credit.PendingJob
	Status *JobStatus
	// Consumption is set only for the call that performed the charge
	Consumption *credit.ConsumeResult
}

// Reconcile queries the provider for jobID and settles it: a completed job
// is delivered, charged, marked and removed; a failed job is removed without
// charge; a running job is left untouched. Concurrent calls for the same job
// share one execution, and every step is a no-op when repeated, so the job is
// charged at most once.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID string) (*Reconciliation, error) {
	v, err, _ := o.reconciles.Do(jobID, func() (interface{}, error) {
		return o.reconcile(ctx, jobID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Reconciliation), nil
}

func (o *Orchestrator) reconcile(ctx context.Context, jobID string) (*Reconciliation, error) {
	rec := &Reconciliation{JobID: jobID}

	job, err := o.manager.GetPendingJob(ctx, jobID)
	if errors.Is(err, credit.ErrJobNotFound) {
		rec.State = ReconcileGone
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Job = job

	if job.Charged {
		// an earlier pass charged but did not get to delete
		if _, err := o.manager.DeletePendingJob(ctx, jobID); err != nil {
			return nil, err
		}
		rec.State = ReconcileCharged
		return rec, nil
	}

	if o.jobs == nil {
		return nil, fmt.Errorf("orchestrator: no job provider configured")
	}
	status, err := o.jobs.QueryJob(ctx, jobID)
	if err != nil {
		return nil, asProviderError("query_job", err)
	}
	rec.Status = status
	to := jobReplyTo(job)

	switch status.State {
	case JobCompleted:
		if status.URL != "" {
			if err := o.messenger.SendMedia(ctx, to, status.URL); err != nil {
				o.logger.Warn("failed to deliver job result",
					credit.Field{Key: "job_id", Value: jobID},
					credit.Field{Key: "error", Value: credit.Sanitize(err.Error())})
			}
		}
		result, _, err := o.manager.ChargePendingJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		rec.Consumption = result
		if _, err := o.manager.DeletePendingJob(ctx, jobID); err != nil {
			o.logger.Warn("failed to remove charged job",
				credit.Field{Key: "job_id", Value: jobID},
				credit.ErrorField(err))
		}
		rec.State = ReconcileCharged
		if result != nil {
			o.logger.Info("pending job charged",
				credit.Field{Key: "job_id", Value: jobID},
				credit.UserField(job.UserID),
				credit.Field{Key: "credit_cost", Value: job.CreditCost},
				credit.Field{Key: "age", Value: o.clock.Now().Sub(job.CreatedAt)})
		}

	case JobFailed:
		deleted, err := o.manager.DeletePendingJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		rec.State = ReconcileFailed
		if deleted {
			o.metrics.RecordPendingJob("failed")
			o.logger.Info("pending job failed",
				credit.Field{Key: "job_id", Value: jobID},
				credit.UserField(job.UserID),
				credit.Field{Key: "error", Value: credit.Sanitize(status.Error)})
			o.notifyJobFailure(ctx, job, status)
		}

	default:
		rec.State = ReconcilePending
	}
	return rec, nil
}

func (o *Orchestrator) notifyJobFailure(ctx context.Context, job *credit.PendingJob, status *JobStatus) {
	to := jobReplyTo(job)
	err := &credit.ProviderError{Op: "job", Err: errors.New(status.Error)}
	if credit.IsSecurityBlock(err, o.config.Security.ContentPolicyMarkers) {
		verdict, charged := o.escalate(ctx, job.UserID, job.DisplayName, job.Exempt)
		o.notify(ctx, to, securityMessage(verdict, charged))
		return
	}
	o.notify(ctx, to, fmt.Sprintf("your job %s failed and was not charged: %s", job.JobID, credit.Sanitize(status.Error)))
}

func jobReplyTo(job *credit.PendingJob) string {
	if job.ReplyTo != "" {
		return job.ReplyTo
	}
	return job.UserID
}

// Query is the manual status command: it reconciles one of userID's jobs and
// tells the user where it stands. Admins may query any job.
func (o *Orchestrator) Query(ctx context.Context, userID, replyTo, jobID string) (*Reconciliation, error) {
	if replyTo == "" {
		replyTo = userID
	}

	job, err := o.manager.GetPendingJob(ctx, jobID)
	if err == nil && job.UserID != userID && !o.manager.IsAdmin(userID) {
		err = credit.ErrJobNotFound
	}
	if err != nil {
		if errors.Is(err, credit.ErrJobNotFound) {
			o.notify(ctx, replyTo, fmt.Sprintf("no pending job %s", jobID))
		}
		return nil, err
	}

	rec, err := o.Reconcile(ctx, jobID)
	if err != nil {
		o.notify(ctx, replyTo, userMessage(err))
		return nil, err
	}

	switch rec.State {
	case ReconcilePending:
		msg := fmt.Sprintf("your job %s is still processing", jobID)
		if rec.Status != nil && rec.Status.Progress > 0 {
			msg = fmt.Sprintf("%s (%d%%)", msg, rec.Status.Progress)
		}
		o.notify(ctx, replyTo, msg)
	case ReconcileGone:
		o.notify(ctx, replyTo, fmt.Sprintf("no pending job %s", jobID))
	}
	return rec, nil
}

// watch reconciles job in the background on the poll schedule. A job still
// running after the last poll stays pending; the user can query it later
// and is charged when it is observed completed.
func (o *Orchestrator) watch(job *credit.PendingJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()

		start := time.Now()
		for _, at := range o.pollSchedule {
			timer := time.NewTimer(time.Until(start.Add(at)))
			select {
			case <-o.baseCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			rec, err := o.Reconcile(o.baseCtx, job.JobID)
			if err != nil {
				o.logger.Warn("job poll failed",
					credit.Field{Key: "job_id", Value: job.JobID},
					credit.Field{Key: "error", Value: credit.Sanitize(err.Error())})
				continue
			}
			if rec.State != ReconcilePending {
				return
			}
		}

		o.notify(o.baseCtx, jobReplyTo(job), fmt.Sprintf(
			"your job %s is taking longer than expected; query it later to receive the result", job.JobID))
	}()
}

// SweepReport summarizes one garbage-collection pass.
type SweepReport struct {
	Checked int
	Charged int
	Failed  int
	Expired int
	Errors  int
}

// Sweep settles pending jobs older than PendingJobMaxAge. Each is queried
// once: completed jobs are charged normally, failed jobs are removed, and jobs
// still not terminal are dropped without charge. A job whose query fails is
// kept for the next sweep until it is twice the maximum age, then dropped.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	jobs, err := o.manager.ListPendingJobs(ctx, "")
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	maxAge := o.config.PendingJobMaxAge
	report := &SweepReport{}
	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.sweepConcurrency)
	for _, job := range jobs {
		age := now.Sub(job.CreatedAt)
		if age < maxAge {
			continue
		}
		report.Checked++

		g.Go(func() error {
			rec, err := o.Reconcile(gctx, job.JobID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("sweep could not query job",
					credit.Field{Key: "job_id", Value: job.JobID},
					credit.Field{Key: "error", Value: credit.Sanitize(err.Error())})
				if age < 2*maxAge {
					count(&report.Errors)
					return nil
				}
			} else {
				switch rec.State {
				case ReconcileCharged:
					count(&report.Charged)
					return nil
				case ReconcileFailed:
					count(&report.Failed)
					return nil
				case ReconcileGone:
					return nil
				}
			}

			expired, err := o.expire(gctx, job, age)
			if err != nil {
				count(&report.Errors)
				return nil
			}
			if expired {
				count(&report.Expired)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if report.Checked > 0 {
		o.logger.Info("pending job sweep finished",
			credit.Field{Key: "checked", Value: report.Checked},
			credit.Field{Key: "charged", Value: report.Charged},
			credit.Field{Key: "failed", Value: report.Failed},
			credit.Field{Key: "expired", Value: report.Expired},
			credit.Field{Key: "errors", Value: report.Errors})
	}
	return report, nil
}

// expire drops a job that never reached a terminal state. It is never billed.
func (o *Orchestrator) expire(ctx context.Context, job *credit.PendingJob, age time.Duration) (bool, error) {
	deleted, err := o.manager.DeletePendingJob(ctx, job.JobID)
	if err != nil {
		o.logger.Error("failed to expire pending job",
			credit.Field{Key: "job_id", Value: job.JobID},
			credit.ErrorField(err))
		return false, err
	}
	if !deleted {
		return false, nil
	}

	o.metrics.RecordPendingJob("expired")
	o.logger.Warn("pending job expired",
		credit.Field{Key: "job_id", Value: job.JobID},
		credit.UserField(job.UserID),
		credit.Field{Key: "age", Value: age})
	o.notify(ctx, jobReplyTo(job), fmt.Sprintf("your job %s expired without a result and was not charged", job.JobID))
	return true, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("pending job sweep failed", credit.ErrorField(err))
			}
		}
	}
}
