package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	// MaxTries includes the first attempt (default: 3)
	MaxTries uint

	// InitialInterval is the first backoff delay (default: 500ms)
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay (default: 5s)
	MaxInterval time.Duration
}

// ResilientConfig configures a Resilient provider.
type ResilientConfig struct {
	Retry RetryConfig

	// Breaker guards every provider call (optional)
	Breaker *CircuitBreaker

	Logger credit.Logger
}

// Resilient wraps a Generator and a JobProvider with bounded exponential
// retry of transient failures and an optional circuit breaker.
//
// SubmitJob is never retried: a submission that timed out may still have
// created a remote job. Generate is retried only while no item has been
// yielded, so a retry never re-delivers results.
type Resilient struct {
	gen     Generator
	jobs    JobProvider
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  credit.Logger
}

var (
	_ Generator   = (*Resilient)(nil)
	_ JobProvider = (*Resilient)(nil)
)

// NewResilient creates a resilient provider. Either gen or jobs may be nil
// when the caller only uses the other.
func NewResilient(gen Generator, jobs JobProvider, config ResilientConfig) *Resilient {
	if config.Retry.MaxTries == 0 {
		config.Retry.MaxTries = 3
	}
	if config.Retry.InitialInterval <= 0 {
		config.Retry.InitialInterval = 500 * time.Millisecond
	}
	if config.Retry.MaxInterval <= 0 {
		config.Retry.MaxInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &credit.NoopLogger{}
	}
	return &Resilient{
		gen:     gen,
		jobs:    jobs,
		retry:   config.Retry,
		breaker: config.Breaker,
		logger:  config.Logger,
	}
}

func (r *Resilient) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	return b
}

func (r *Resilient) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, fn)
}

func (r *Resilient) notify(op string) backoff.Notify {
	return func(err error, next time.Duration) {
		r.logger.Warn("transient provider failure, retrying",
			credit.Field{Key: "op", Value: op},
			credit.Field{Key: "error", Value: credit.Sanitize(err.Error())},
			credit.Field{Key: "retry_in", Value: next})
	}
}

// Generate implements Generator.
func (r *Resilient) Generate(ctx context.Context, req GenerateRequest, onItem func(url string)) ([]string, error) {
	var yielded atomic.Bool
	forward := func(url string) {
		yielded.Store(true)
		if onItem != nil {
			onItem(url)
		}
	}

	return backoff.Retry(ctx, func() ([]string, error) {
		var urls []string
		err := r.guard(ctx, func(ctx context.Context) error {
			var err error
			urls, err = r.gen.Generate(ctx, req, forward)
			return err
		})
		return urls, classify(err, yielded.Load())
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(r.retry.MaxTries), backoff.WithNotify(r.notify("generate")))
}

// SubmitJob implements JobProvider.
func (r *Resilient) SubmitJob(ctx context.Context, req JobRequest) (string, error) {
	var jobID string
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		jobID, err = r.jobs.SubmitJob(ctx, req)
		return err
	})
	return jobID, err
}

// QueryJob implements JobProvider.
func (r *Resilient) QueryJob(ctx context.Context, jobID string) (*JobStatus, error) {
	return backoff.Retry(ctx, func() (*JobStatus, error) {
		var status *JobStatus
		err := r.guard(ctx, func(ctx context.Context) error {
			var err error
			status, err = r.jobs.QueryJob(ctx, jobID)
			return err
		})
		return status, classify(err, false)
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(r.retry.MaxTries), backoff.WithNotify(r.notify("query_job")))
}

// classify marks everything except transient, not yet visible failures as permanent.
func classify(err error, yielded bool) error {
	if err == nil {
		return nil
	}
	if yielded || errors.Is(err, ErrCircuitOpen) || !credit.IsTransient(err) {
		return backoff.Permanent(err)
	}
	return err
}
