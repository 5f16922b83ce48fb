package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// SubmitJob submits an asynchronous job and registers it in the pending job
// ledger before returning, so the job is billed whenever it is later observed
// completed. Nothing is charged here.
//
// Unless the orchestrator is closed, a background watcher reconciles the job
// on the poll schedule.
func (o *Orchestrator) SubmitJob(ctx context.Context, req Request, options map[string]string) *Result {
	start := o.clock.Now()
	to := req.replyTo()

	if o.jobs == nil {
		return o.reject(ctx, req, start, fmt.Errorf("orchestrator: no job provider configured"))
	}
	if !o.submissions.StartTask(req.UserID) {
		return o.reject(ctx, req, start, credit.ErrTaskInProgress)
	}
	defer o.submissions.EndTask(req.UserID)

	cost := o.manager.JobCreditCost(req.Units)
	reservation, err := o.manager.CheckAndReserveQuota(ctx, credit.ReserveRequest{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Units:       cost,
		Platform:    req.Platform,
		Policy:      req.Policy,
	})
	if err != nil {
		return o.reject(ctx, req, start, err)
	}

	// Checked again atomically on insert; this avoids creating a remote job
	// that could not be registered.
	max := o.config.MaxUnchargedJobsPerUser
	count, err := o.manager.CountUnchargedJobs(ctx, req.UserID)
	if err != nil {
		return o.reject(ctx, req, start, err)
	}
	if count >= max {
		return o.reject(ctx, req, start, &credit.PendingJobLimitError{Count: count, Max: max})
	}

	input := ""
	if len(req.Inputs) > 0 {
		input = req.Inputs[0]
	}
	jobID, err := o.jobs.SubmitJob(ctx, JobRequest{Prompt: req.Prompt, Input: input, Options: options})
	if err != nil {
		res := &Result{Outcome: OutcomeFailed, Err: asProviderError("submit_job", err)}
		o.logger.Info("job submission failed",
			credit.UserField(req.UserID),
			credit.Field{Key: "command", Value: req.Command},
			credit.Field{Key: "error", Value: credit.Sanitize(res.Err.Error())})
		o.notifyFailure(ctx, req, reservation.Exempt, res)
		return o.finish(req.Command, start, res)
	}

	job := &credit.PendingJob{
		JobID:       jobID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		ReplyTo:     to,
		CommandName: req.Command,
		CreditCost:  cost,
		Exempt:      reservation.Exempt,
	}
	if err := o.manager.AddPendingJobWithLimit(ctx, job, max); err != nil {
		// The remote job exists but will never be billed or delivered.
		o.logger.Error("submitted job could not be registered",
			credit.Field{Key: "job_id", Value: jobID},
			credit.UserField(req.UserID),
			credit.ErrorField(err))
		res := &Result{Outcome: OutcomeFailed, Err: err}
		msg := userMessage(err)
		if !errors.Is(err, credit.ErrPendingJobLimit) {
			msg = "your job could not be registered, please try again later"
		}
		o.notify(ctx, to, msg)
		return o.finish(req.Command, start, res)
	}

	registered, err := o.manager.GetPendingJob(ctx, jobID)
	if err != nil {
		registered = job
	}
	o.notify(ctx, to, fmt.Sprintf("your job %s was submitted, results will be sent when it completes", jobID))
	o.watch(registered)
	return o.finish(req.Command, start, &Result{Outcome: OutcomeSubmitted, Job: registered})
}
