package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

func videoRequest(userID string) Request {
	return Request{UserID: userID, DisplayName: userID, Command: "video", Prompt: "a sunset", Units: 2}
}

func TestSubmitJob_RegistersBeforeReturning(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	res := env.orch.SubmitJob(ctx, videoRequest("alice"), map[string]string{"duration": "5"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	require.NotNil(t, res.Job)
	assert.Equal(t, "job-1", res.Job.JobID)
	assert.Equal(t, 2, res.Job.CreditCost)
	assert.Equal(t, "alice", res.Job.ReplyTo)

	job, err := env.manager.GetPendingJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Charged)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount, "nothing charged at submission")
	assert.Equal(t, []string{"your job job-1 was submitted, results will be sent when it completes"}, env.messenger.texts())
}

func TestSubmitJob_PendingLimit(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	first := env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	require.Equal(t, OutcomeSubmitted, first.Outcome)

	second := env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	assert.Equal(t, OutcomeRejected, second.Outcome)
	assert.ErrorIs(t, second.Err, credit.ErrPendingJobLimit)
	assert.Equal(t, 1, env.jobs.submits, "no remote job created past the limit")

	texts := env.messenger.texts()
	assert.Contains(t, texts[len(texts)-1], "unfinished job(s) (max 1)")

	other := env.orch.SubmitJob(ctx, videoRequest("bob"), nil)
	assert.Equal(t, OutcomeSubmitted, other.Outcome, "the limit is per user")
}

func TestSubmitJob_InsufficientQuota(t *testing.T) {
	env := newTestEnv(t, nil, func(c *credit.Config, _ *Config) {
		c.PerJobCreditMultiplier = 3
	})

	res := env.orch.SubmitJob(context.Background(), videoRequest("alice"), nil)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, credit.ErrQuotaExceeded)
	assert.Equal(t, 0, env.jobs.submits)
}

func TestSubmitJob_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.jobs.submitErr = errors.New("quota exhausted upstream")
	ctx := context.Background()

	res := env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	n, err := env.manager.CountUnchargedJobs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, env.messenger.texts(), 1)
}

func TestReconcile_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.set("job-1", JobStatus{State: JobProcessing, Progress: 40})

	rec, err := env.orch.Query(ctx, "alice", "", "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcilePending, rec.State)
	texts := env.messenger.texts()
	assert.Equal(t, "your job job-1 is still processing (40%)", texts[len(texts)-1])

	env.jobs.set("job-1", JobStatus{State: JobCompleted, URL: "https://cdn.example.com/video.mp4"})
	rec, err = env.orch.Reconcile(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileCharged, rec.State)
	require.NotNil(t, rec.Consumption)
	assert.Equal(t, []string{"https://cdn.example.com/video.mp4"}, env.messenger.media())

	acc := env.account(t, "alice")
	assert.Equal(t, 2, acc.TotalUsageCount)
	assert.Equal(t, 2, acc.DailyUsageCount)

	_, err = env.manager.GetPendingJob(ctx, "job-1")
	assert.ErrorIs(t, err, credit.ErrJobNotFound)

	rec, err = env.orch.Reconcile(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileGone, rec.State)
	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount, "charged once")
}

func TestReconcile_ChargedButNotDeleted(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	_, _, err := env.manager.ChargePendingJob(ctx, "job-1")
	require.NoError(t, err)

	rec, err := env.orch.Reconcile(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileCharged, rec.State)
	assert.Nil(t, rec.Consumption)
	assert.Equal(t, 0, env.jobs.queries, "a charged job is not queried again")
	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount)
}

func TestReconcile_FailedJob(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.set("job-1", JobStatus{State: JobFailed, Error: "render crashed"})

	rec, err := env.orch.Reconcile(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileFailed, rec.State)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount)

	texts := env.messenger.texts()
	assert.Equal(t, "your job job-1 failed and was not charged: render crashed", texts[len(texts)-1])

	_, err = env.manager.GetPendingJob(ctx, "job-1")
	assert.ErrorIs(t, err, credit.ErrJobNotFound)
}

func TestReconcile_FailedByContentPolicy(t *testing.T) {
	env := newTestEnv(t, nil, func(c *credit.Config, _ *Config) {
		c.Security.WarningThreshold = 5
	})
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.set("job-1", JobStatus{State: JobFailed, Error: "blocked by the safety system"})

	_, err := env.orch.Reconcile(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, env.orch.security.Count("alice"))
}

func TestReconcile_QueryError(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.queryErr = &credit.ProviderError{Op: "query_job", Err: errors.New("bad gateway"), Transient: true}

	_, err := env.orch.Reconcile(ctx, "job-1")
	require.Error(t, err)

	job, err := env.manager.GetPendingJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Charged, "the job stays pending")
}

func TestReconcile_ConcurrentChargesOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.set("job-1", JobStatus{State: JobCompleted, URL: "https://cdn.example.com/video.mp4"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.Reconcile(ctx, "job-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount)
	assert.Len(t, env.messenger.media(), 1)
}

func TestQuery_Ownership(t *testing.T) {
	env := newTestEnv(t, nil, func(c *credit.Config, _ *Config) {
		c.AdminUsers = []string{"root"}
	})
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)

	_, err := env.orch.Query(ctx, "mallory", "", "job-1")
	assert.ErrorIs(t, err, credit.ErrJobNotFound)
	texts := env.messenger.texts()
	assert.Equal(t, "no pending job job-1", texts[len(texts)-1])

	rec, err := env.orch.Query(ctx, "root", "", "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcilePending, rec.State)
}

func TestWatch_ChargesWhenCompleted(t *testing.T) {
	env := newTestEnv(t, nil, func(_ *credit.Config, o *Config) {
		o.PollSchedule = []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}
	})
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.set("job-1", JobStatus{State: JobCompleted, URL: "https://cdn.example.com/video.mp4"})

	require.Eventually(t, func() bool {
		_, err := env.manager.GetPendingJob(ctx, "job-1")
		return errors.Is(err, credit.ErrJobNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount)
}

func TestWatch_StillPendingAfterLastPoll(t *testing.T) {
	env := newTestEnv(t, nil, func(_ *credit.Config, o *Config) {
		o.PollSchedule = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	})
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)

	require.Eventually(t, func() bool {
		texts := env.messenger.texts()
		return len(texts) == 2 && texts[1] == "your job job-1 is taking longer than expected; query it later to receive the result"
	}, 2*time.Second, 10*time.Millisecond)

	job, err := env.manager.GetPendingJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Charged)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		require.Equal(t, OutcomeSubmitted, env.orch.SubmitJob(ctx, videoRequest(user), nil).Outcome)
	}
	env.jobs.set("job-2", JobStatus{State: JobCompleted, URL: "https://cdn.example.com/bob.mp4"})
	env.jobs.set("job-3", JobStatus{State: JobFailed, Error: "render crashed"})

	report, err := env.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked, "young jobs are left alone")

	env.clock.Advance(25 * time.Hour)
	report, err = env.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepReport{Checked: 3, Charged: 1, Failed: 1, Expired: 1}, report)

	jobs, err := env.manager.ListPendingJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount, "expired jobs are not charged")
	assert.Equal(t, 2, env.account(t, "bob").TotalUsageCount)
}

func TestSweep_QueryErrorsKeepJobUntilTwiceMaxAge(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	env.orch.SubmitJob(ctx, videoRequest("alice"), nil)
	env.jobs.queryErr = errors.New("connection reset")

	env.clock.Advance(25 * time.Hour)
	report, err := env.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	_, err = env.manager.GetPendingJob(ctx, "job-1")
	require.NoError(t, err)

	env.clock.Advance(24 * time.Hour)
	report, err = env.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	_, err = env.manager.GetPendingJob(ctx, "job-1")
	assert.ErrorIs(t, err, credit.ErrJobNotFound)
}
