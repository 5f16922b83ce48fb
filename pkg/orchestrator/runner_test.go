package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

func imageRequest(userID string, units int) Request {
	return Request{UserID: userID, DisplayName: "Alice", Command: "image", Prompt: "a cat", Units: units}
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t, streamN(1), nil)

	_, err := New(nil, Config{Messenger: env.messenger, Generator: streamN(1)})
	assert.Error(t, err)
	_, err = New(env.manager, Config{Generator: streamN(1)})
	assert.Error(t, err)
	_, err = New(env.manager, Config{Messenger: env.messenger})
	assert.Error(t, err)
}

func TestRun_StreamingCompleted(t *testing.T) {
	env := newTestEnv(t, streamN(3), nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 3))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Delivered)
	require.NotNil(t, res.Consumption)
	assert.Equal(t, 3, res.Consumption.FreeUsed)

	assert.Len(t, env.messenger.media(), 3)
	assert.Empty(t, env.messenger.texts())
	assert.Equal(t, 3, env.account(t, "alice").TotalUsageCount)
	assert.False(t, env.orch.generations.Running("alice"), "slot released")
}

func TestRun_BatchGenerator(t *testing.T) {
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		return []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}, nil
	})
	env := newTestEnv(t, gen, nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 4))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount, "charged for the observed count")
}

func TestRun_PartialThenFailure(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ GenerateRequest, onItem func(string)) ([]string, error) {
		onItem("https://cdn.example.com/1.png")
		return nil, errors.New("upstream 500")
	})
	env := newTestEnv(t, gen, nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 3))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, env.account(t, "alice").TotalUsageCount)

	texts := env.messenger.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "(1 of 3 delivered and charged)")
}

func TestRun_FailureWithoutResults(t *testing.T) {
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		return nil, errors.New("POST https://api.example.com/v1?api_key=s3cr3t: 502")
	})
	env := newTestEnv(t, gen, nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 1))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Nil(t, res.Consumption)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount)

	texts := env.messenger.texts()
	require.Len(t, texts, 1)
	assert.NotContains(t, texts[0], "s3cr3t")
	assert.Contains(t, texts[0], "generation failed")
}

func TestRun_EmptyResultIsNotCharged(t *testing.T) {
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		return nil, nil
	})
	env := newTestEnv(t, gen, nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 1))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errNoResults)
	assert.Len(t, env.messenger.texts(), 1)
}

func TestRun_TimeoutSuppressesLateResults(t *testing.T) {
	late := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ GenerateRequest, onItem func(string)) ([]string, error) {
		onItem("https://cdn.example.com/1.png")
		<-ctx.Done()
		onItem("https://cdn.example.com/late.png")
		close(late)
		return nil, ctx.Err()
	})
	env := newTestEnv(t, gen, nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 2))
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.ErrorIs(t, res.Err, credit.ErrTimeout)
	assert.Equal(t, 1, res.Delivered)

	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("generator never observed cancellation")
	}
	assert.Equal(t, []string{"https://cdn.example.com/1.png"}, env.messenger.media())
	assert.Equal(t, 1, env.account(t, "alice").TotalUsageCount)

	texts := env.messenger.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "the request timed out"))
}

func TestRun_SlowDeliveryDoesNotOutliveDeadline(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ GenerateRequest, onItem func(string)) ([]string, error) {
		onItem("https://cdn.example.com/1.png")
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, gen, nil)
	env.messenger.mediaDelay = time.Second

	start := time.Now()
	res := env.orch.Run(context.Background(), imageRequest("alice", 1))
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, elapsed, 800*time.Millisecond, "Run waited for the slow send")
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount)

	// the generation slot is free again once Run returns
	assert.True(t, env.orch.generations.StartTask("alice"))
	env.orch.generations.EndTask("alice")
}

func TestRun_TimeoutIsNotASecurityBlock(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ GenerateRequest, _ func(string)) ([]string, error) {
		<-ctx.Done()
		return nil, errors.New("content policy")
	})
	env := newTestEnv(t, gen, func(c *credit.Config, _ *Config) {
		c.Security.WarningThreshold = 1
	})

	res := env.orch.Run(context.Background(), imageRequest("alice", 1))
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Nil(t, res.Security)
	assert.Equal(t, 0, env.orch.security.Count("alice"))
}

func TestRun_TaskInProgress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	gen := generatorFunc(func(_ context.Context, _ GenerateRequest, onItem func(string)) ([]string, error) {
		close(started)
		<-release
		onItem("https://cdn.example.com/1.png")
		return nil, nil
	})
	env := newTestEnv(t, gen, func(c *credit.Config, _ *Config) {
		c.CommandTimeout = 5 * time.Second
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Result
	go func() {
		defer wg.Done()
		first = env.orch.Run(context.Background(), imageRequest("alice", 1))
	}()
	<-started

	second := env.orch.Run(context.Background(), imageRequest("alice", 1))
	assert.Equal(t, OutcomeRejected, second.Outcome)
	assert.ErrorIs(t, second.Err, credit.ErrTaskInProgress)

	close(release)
	wg.Wait()
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	assert.False(t, env.orch.generations.Running("alice"))
}

func TestRun_QuotaExceeded(t *testing.T) {
	called := false
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		called = true
		return nil, nil
	})
	env := newTestEnv(t, gen, nil)
	env.recharge(t, "alice", 2)

	res := env.orch.Run(context.Background(), imageRequest("alice", 8))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, credit.ErrQuotaExceeded)
	assert.False(t, called)
	assert.Equal(t, []string{"insufficient quota: requested 8, remaining today 5, purchased 2, total 7"}, env.messenger.texts())
	assert.False(t, env.orch.generations.Running("alice"))
}

func TestRun_ValidationError(t *testing.T) {
	env := newTestEnv(t, streamN(1), nil)

	res := env.orch.Run(context.Background(), imageRequest("alice", 0))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, credit.ErrInvalidAmount)
	assert.Len(t, env.messenger.texts(), 1)
}

func TestRun_ExemptRecordsUsageOnly(t *testing.T) {
	env := newTestEnv(t, streamN(2), func(c *credit.Config, _ *Config) {
		c.AdminUsers = []string{"root"}
		c.Policy.DailyFreeLimit = 0
	})

	res := env.orch.Run(context.Background(), imageRequest("root", 2))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Consumption)
	assert.Equal(t, credit.ConsumptionExempt, res.Consumption.ConsumptionType)

	acc := env.account(t, "root")
	assert.Equal(t, 2, acc.TotalUsageCount)
	assert.Equal(t, 0, acc.DailyUsageCount)
}

func TestRun_FailedDeliveryIsNotCharged(t *testing.T) {
	env := newTestEnv(t, streamN(3), nil)
	env.messenger.failURL = "https://cdn.example.com/2.png"

	res := env.orch.Run(context.Background(), imageRequest("alice", 3))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 2, env.account(t, "alice").TotalUsageCount)
}

func TestRun_SecurityEscalation(t *testing.T) {
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		return nil, errors.New("request rejected: violates content policy")
	})
	env := newTestEnv(t, gen, func(c *credit.Config, _ *Config) {
		c.Security.WarningThreshold = 2
		c.Security.DeductUnits = 1
	})
	ctx := context.Background()

	res := env.orch.Run(ctx, imageRequest("alice", 1))
	require.NotNil(t, res.Security)
	assert.False(t, res.Security.ShouldWarn)

	res = env.orch.Run(ctx, imageRequest("alice", 1))
	require.NotNil(t, res.Security)
	assert.True(t, res.Security.ShouldWarn)
	assert.Equal(t, 0, env.account(t, "alice").TotalUsageCount)

	res = env.orch.Run(ctx, imageRequest("alice", 1))
	require.NotNil(t, res.Security)
	assert.True(t, res.Security.ShouldDeduct)
	assert.Equal(t, 1, env.account(t, "alice").TotalUsageCount)

	texts := env.messenger.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, "your request was rejected by the content policy", texts[0])
	assert.Contains(t, texts[1], "Further rejections will be charged")
	assert.Contains(t, texts[2], "1 credit(s) were charged")
}

func TestRun_SecurityEscalationExempt(t *testing.T) {
	gen := generatorFunc(func(context.Context, GenerateRequest, func(string)) ([]string, error) {
		return nil, credit.ErrSecurityBlock
	})
	env := newTestEnv(t, gen, func(c *credit.Config, _ *Config) {
		c.AdminUsers = []string{"root"}
		c.Security.WarningThreshold = 1
	})
	ctx := context.Background()

	env.orch.Run(ctx, imageRequest("root", 1))
	res := env.orch.Run(ctx, imageRequest("root", 1))
	require.NotNil(t, res.Security)
	assert.True(t, res.Security.ShouldDeduct)
	assert.Equal(t, 0, env.account(t, "root").TotalUsageCount, "admins are never billed")
	assert.Equal(t, "your request was rejected by the content policy", env.messenger.texts()[1])
}

func TestRun_ReplyTo(t *testing.T) {
	env := newTestEnv(t, streamN(1), nil)
	req := imageRequest("alice", 1)
	req.ReplyTo = "group-42"

	env.orch.Run(context.Background(), req)
	env.messenger.mu.Lock()
	defer env.messenger.mu.Unlock()
	require.Len(t, env.messenger.messages, 1)
	assert.Equal(t, "group-42", env.messenger.messages[0].to)
}
