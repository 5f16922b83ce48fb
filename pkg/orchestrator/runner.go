package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

type generation struct {
	urls []string
	err  error
}

var errNoResults = errors.New("the provider returned no results")

// asProviderError wraps a raw provider failure once.
func asProviderError(op string, err error) error {
	var pe *credit.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &credit.ProviderError{Op: op, Err: err}
}

// Run executes a synchronous generation. It holds the user's generation
// slot for the whole call, reserves quota, streams results to the user and
// charges once for the items delivered before the terminal state.
//
// The outcome and any failure are reported in Result. The user has already
// received exactly one notice for every outcome other than completed.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	start := o.clock.Now()
	to := req.replyTo()

	if o.gen == nil {
		return o.reject(ctx, req, start, fmt.Errorf("orchestrator: no generator configured"))
	}
	if !o.generations.StartTask(req.UserID) {
		return o.reject(ctx, req, start, credit.ErrTaskInProgress)
	}
	defer o.generations.EndTask(req.UserID)

	reservation, err := o.manager.CheckAndReserveQuota(ctx, credit.ReserveRequest{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Units:       req.Units,
		Platform:    req.Platform,
		Policy:      req.Policy,
	})
	if err != nil {
		return o.reject(ctx, req, start, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		cancelled atomic.Bool
		streamed  bool
		delivered []string
	)
	late := func() bool {
		if cancelled.Load() || runCtx.Err() != nil {
			o.logger.Debug("suppressed late result", credit.UserField(req.UserID))
			return true
		}
		return false
	}
	// deliver sends without holding mu so a slow send cannot hold Run past
	// the deadline. Items whose send finishes after cancellation are not counted.
	deliver := func(url string) {
		if late() {
			return
		}
		if err := o.messenger.SendMedia(runCtx, to, url); err != nil {
			o.logger.Warn("failed to deliver result",
				credit.UserField(req.UserID),
				credit.Field{Key: "error", Value: credit.Sanitize(err.Error())})
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if late() {
			return
		}
		delivered = append(delivered, url)
	}
	onItem := func(url string) {
		mu.Lock()
		streamed = true
		mu.Unlock()
		deliver(url)
	}

	done := make(chan generation, 1)
	go func() {
		urls, err := o.gen.Generate(runCtx, GenerateRequest{Prompt: req.Prompt, Inputs: req.Inputs, Count: req.Units}, onItem)
		done <- generation{urls: urls, err: err}
	}()

	res := &Result{}
	select {
	case g := <-done:
		mu.Lock()
		batch := !streamed
		mu.Unlock()
		if batch {
			// the generator returned its items without streaming them
			for _, url := range g.urls {
				deliver(url)
			}
		}
		res.Outcome = OutcomeCompleted
		if g.err != nil {
			res.Outcome = OutcomeFailed
			res.Err = asProviderError("generate", g.err)
			if ctxErr := runCtx.Err(); ctxErr != nil && ctx.Err() == nil {
				res.Outcome = OutcomeTimedOut
				res.Err = credit.ErrTimeout
			}
		}
	case <-runCtx.Done():
		res.Outcome = OutcomeTimedOut
		res.Err = credit.ErrTimeout
		if ctx.Err() != nil {
			res.Outcome = OutcomeFailed
			res.Err = ctx.Err()
		}
	}

	mu.Lock()
	cancelled.Store(true)
	res.URLs = append([]string(nil), delivered...)
	mu.Unlock()
	res.Delivered = len(res.URLs)

	if res.Delivered > 0 {
		res.Consumption = o.charge(ctx, req, reservation, res.Delivered)
	} else if res.Outcome == OutcomeCompleted {
		res.Outcome = OutcomeFailed
		res.Err = errNoResults
		if runCtx.Err() != nil && ctx.Err() == nil {
			// the items arrived after the deadline and were suppressed
			res.Outcome = OutcomeTimedOut
			res.Err = credit.ErrTimeout
		}
	}

	if res.Outcome != OutcomeCompleted {
		o.logger.Info("generation ended without completing",
			credit.UserField(req.UserID),
			credit.Field{Key: "command", Value: req.Command},
			credit.Field{Key: "outcome", Value: string(res.Outcome)},
			credit.Field{Key: "delivered", Value: res.Delivered},
			credit.Field{Key: "error", Value: credit.Sanitize(res.Err.Error())})
		o.notifyFailure(ctx, req, reservation.Exempt, res)
	}
	return o.finish(req.Command, start, res)
}

// charge commits the single consumption of a request. The context is detached
// so a cancelled caller cannot skip billing for delivered items.
func (o *Orchestrator) charge(ctx context.Context, req Request, reservation *credit.Reservation, units int) *credit.ConsumeResult {
	ctx = context.WithoutCancel(ctx)
	if reservation.Exempt {
		acc, err := o.manager.RecordUsageOnly(ctx, req.UserID, req.DisplayName, req.Command, units)
		if err != nil {
			o.logger.Error("failed to record exempt usage",
				credit.UserField(req.UserID),
				credit.Field{Key: "units", Value: units},
				credit.ErrorField(err))
			return nil
		}
		return &credit.ConsumeResult{Account: *acc, ConsumptionType: credit.ConsumptionExempt}
	}

	result, err := o.manager.ConsumeQuota(ctx, credit.ConsumeRequest{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Command:     req.Command,
		Units:       units,
		Policy:      req.Policy,
	})
	if err != nil {
		o.logger.Error("failed to charge delivered results",
			credit.UserField(req.UserID),
			credit.Field{Key: "units", Value: units},
			credit.ErrorField(err))
		return nil
	}
	if units != req.Units {
		o.logger.Info("charged observed count",
			credit.UserField(req.UserID),
			credit.Field{Key: "requested", Value: req.Units},
			credit.Field{Key: "charged", Value: units})
	}
	return result
}

// reject finishes a request that never reached the provider.
func (o *Orchestrator) reject(ctx context.Context, req Request, start time.Time, err error) *Result {
	o.notify(ctx, req.replyTo(), userMessage(err))
	return o.finish(req.Command, start, &Result{Outcome: OutcomeRejected, Err: err})
}

// notifyFailure sends the one notice of a failed or timed out request and
// escalates content-policy rejections.
func (o *Orchestrator) notifyFailure(ctx context.Context, req Request, exempt bool, res *Result) {
	to := req.replyTo()
	if !credit.IsSecurityBlock(res.Err, o.config.Security.ContentPolicyMarkers) {
		msg := userMessage(res.Err)
		if res.Delivered > 0 {
			msg = fmt.Sprintf("%s (%d of %d delivered and charged)", msg, res.Delivered, req.Units)
		}
		o.notify(ctx, to, msg)
		return
	}

	verdict, charged := o.escalate(ctx, req.UserID, req.DisplayName, exempt)
	res.Security = &verdict
	o.notify(ctx, to, securityMessage(verdict, charged))
}

// escalate records a content-policy rejection and bills it when the verdict
// says so. Exempt callers are tracked but never billed.
func (o *Orchestrator) escalate(ctx context.Context, userID, displayName string, exempt bool) (credit.SecurityVerdict, int) {
	verdict := o.security.RecordRejection(userID)
	action := "ignored"
	charged := 0
	switch {
	case verdict.ShouldWarn:
		action = "warned"
	case verdict.ShouldDeduct && !exempt && o.config.Security.DeductUnits > 0:
		action = "deducted"
		_, err := o.manager.ConsumeQuota(context.WithoutCancel(ctx), credit.ConsumeRequest{
			UserID:      userID,
			DisplayName: displayName,
			Command:     o.config.Security.DeductCommand,
			Units:       o.config.Security.DeductUnits,
		})
		if err != nil {
			o.logger.Error("failed to bill security block",
				credit.UserField(userID),
				credit.ErrorField(err))
		} else {
			charged = o.config.Security.DeductUnits
		}
	}
	o.metrics.RecordSecurityBlock(action)
	o.logger.Warn("content policy rejection",
		credit.UserField(userID),
		credit.Field{Key: "count", Value: verdict.Count},
		credit.Field{Key: "action", Value: action})
	return verdict, charged
}

func securityMessage(v credit.SecurityVerdict, units int) string {
	switch {
	case v.ShouldWarn:
		return "your request was rejected by the content policy. Further rejections will be charged"
	case units > 0:
		return fmt.Sprintf("your request was rejected by the content policy and %d credit(s) were charged", units)
	default:
		return "your request was rejected by the content policy"
	}
}
