// Package orchestrator drives generation requests against external providers
// and settles their cost with the credit ledger exactly once.
//
// Synchronous generations race the provider against the command timeout and
// are billed for the items actually delivered. Asynchronous jobs are
// registered in the pending job ledger right after submission and billed when
// a reconciliation first observes them completed, however late that is.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Config holds orchestrator configuration
type Config struct {
	// Generator serves synchronous generations (required for Run)
	Generator Generator

	// Jobs serves asynchronous jobs (required for SubmitJob and reconciliation)
	Jobs JobProvider

	// Messenger delivers results and notices to users (required)
	Messenger Messenger

	// Security tracks content-policy rejections (default: built from the manager config)
	Security *credit.SecurityTracker

	// PollSchedule are the delays after submission at which a watched job is
	// reconciled (default: 10s and the command timeout)
	PollSchedule []time.Duration

	// SweepConcurrency bounds parallel reconciliations during a sweep (default: 4)
	SweepConcurrency int
}

// Orchestrator runs generation requests for many users concurrently.
type Orchestrator struct {
	manager   *credit.Manager
	gen       Generator
	jobs      JobProvider
	messenger Messenger
	security  *credit.SecurityTracker
	config    credit.Config
	clock     credit.Clock
	logger    credit.Logger
	metrics   credit.Metrics

	generations *credit.TaskGate
	submissions *credit.TaskGate

	pollSchedule     []time.Duration
	sweepConcurrency int
	reconciles       singleflight.Group

	// watchers tracks background poll loops
	watchers sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	baseCtx  context.Context
	stop     context.CancelFunc
}

// New creates an orchestrator on top of manager.
func New(manager *credit.Manager, config Config) (*Orchestrator, error) {
	if manager == nil {
		return nil, errors.New("orchestrator: manager is required")
	}
	if config.Messenger == nil {
		return nil, errors.New("orchestrator: messenger is required")
	}
	if config.Generator == nil && config.Jobs == nil {
		return nil, errors.New("orchestrator: a generator or a job provider is required")
	}

	cfg := manager.Config()
	if config.Security == nil {
		config.Security = credit.NewSecurityTracker(cfg.Security.Window, cfg.Security.WarningThreshold, manager.Clock())
	}
	if len(config.PollSchedule) == 0 {
		config.PollSchedule = []time.Duration{10 * time.Second, cfg.CommandTimeout}
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = 4
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		manager:          manager,
		gen:              config.Generator,
		jobs:             config.Jobs,
		messenger:        config.Messenger,
		security:         config.Security,
		config:           cfg,
		clock:            manager.Clock(),
		logger:           manager.Logger(),
		metrics:          manager.Metrics(),
		generations:      credit.NewTaskGate(),
		submissions:      credit.NewTaskGate(),
		pollSchedule:     config.PollSchedule,
		sweepConcurrency: config.SweepConcurrency,
		baseCtx:          ctx,
		stop:             stop,
	}, nil
}

// Close stops background poll loops and waits for them to exit. Jobs they
// were watching stay in the pending ledger.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.watchers.Wait()
}

// Request is one user command.
type Request struct {
	UserID      string
	DisplayName string
	// Platform identifies the transport; unlimited platforms are never charged
	Platform string
	// ReplyTo is the conversation results go to (default: UserID)
	ReplyTo string
	Command string
	Prompt  string
	Inputs  []string
	// Units is the number of items requested
	Units  int
	Policy *credit.Policy
}

func (r Request) replyTo() string {
	if r.ReplyTo != "" {
		return r.ReplyTo
	}
	return r.UserID
}

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRejected means the request never reached the provider
	OutcomeRejected Outcome = "rejected"
	// OutcomeSubmitted means an async job was registered
	OutcomeSubmitted Outcome = "submitted"
)

// Result reports what happened to a request.
type Result struct {
	Outcome   Outcome
	Delivered int
	URLs      []string
	// Consumption is the ledger charge, nil if nothing was charged
	Consumption *credit.ConsumeResult
	// Job is the registered pending job of a submission
	Job *credit.PendingJob
	// Security is set when the failure was a content-policy rejection
	Security *credit.SecurityVerdict
	Err      error
}

// notify sends text and logs a delivery failure.
func (o *Orchestrator) notify(ctx context.Context, to, text string) {
	if err := o.messenger.SendText(ctx, to, text); err != nil {
		o.logger.Warn("failed to send message",
			credit.Field{Key: "to", Value: to},
			credit.Field{Key: "error", Value: credit.Sanitize(err.Error())})
	}
}

func (o *Orchestrator) finish(command string, start time.Time, res *Result) *Result {
	o.metrics.RecordOrchestration(command, string(res.Outcome), o.clock.Now().Sub(start))
	return res
}

// userMessage renders err for the end user.
func userMessage(err error) string {
	var (
		verr *credit.ValidationError
		qerr *credit.QuotaExceededError
		rerr *credit.RateLimitedError
		lerr *credit.PendingJobLimitError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &qerr), errors.As(err, &rerr), errors.As(err, &lerr):
		return err.Error()
	case errors.Is(err, credit.ErrTaskInProgress):
		return "you already have a task in progress, please wait for it to finish"
	case errors.Is(err, credit.ErrTimeout):
		return "the request timed out"
	case errors.Is(err, ErrCircuitOpen):
		return "the generation service is temporarily unavailable, please try again later"
	default:
		return fmt.Sprintf("generation failed: %s", credit.Sanitize(err.Error()))
	}
}
