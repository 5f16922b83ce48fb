package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/credit"
	"github.com/mihaimyh/gocredit/storage/document"
	"github.com/mihaimyh/gocredit/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type message struct {
	to    string
	text  string
	media string
}

type fakeMessenger struct {
	mu         sync.Mutex
	messages   []message
	failURL    string
	mediaDelay time.Duration
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message{to: to, text: text})
	return nil
}

func (m *fakeMessenger) SendMedia(_ context.Context, to, url string) error {
	// a slow chat client that ignores cancellation
	time.Sleep(m.mediaDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if url == m.failURL {
		return errors.New("chat unavailable")
	}
	m.messages = append(m.messages, message{to: to, media: url})
	return nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if msg.text != "" {
			out = append(out, msg.text)
		}
	}
	return out
}

func (m *fakeMessenger) media() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if msg.media != "" {
			out = append(out, msg.media)
		}
	}
	return out
}

type generatorFunc func(ctx context.Context, req GenerateRequest, onItem func(string)) ([]string, error)

func (f generatorFunc) Generate(ctx context.Context, req GenerateRequest, onItem func(string)) ([]string, error) {
	return f(ctx, req, onItem)
}

// streamN yields n URLs through onItem and returns them.
func streamN(n int) generatorFunc {
	return func(_ context.Context, _ GenerateRequest, onItem func(string)) ([]string, error) {
		var urls []string
		for i := 1; i <= n; i++ {
			url := fmt.Sprintf("https://cdn.example.com/%d.png", i)
			onItem(url)
			urls = append(urls, url)
		}
		return urls, nil
	}
}

type fakeJobs struct {
	mu        sync.Mutex
	next      int
	statuses  map[string]*JobStatus
	submitErr error
	queryErr  error
	submits   int
	queries   int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{statuses: make(map[string]*JobStatus)}
}

func (f *fakeJobs) SubmitJob(_ context.Context, _ JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.statuses[id] = &JobStatus{State: JobPending}
	return id, nil
}

func (f *fakeJobs) QueryJob(_ context.Context, jobID string) (*JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	st, ok := f.statuses[jobID]
	if !ok {
		return nil, &credit.ProviderError{Op: "query_job", Err: errors.New("unknown job")}
	}
	c := *st
	return &c, nil
}

func (f *fakeJobs) set(jobID string, status JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = &status
}

type testEnv struct {
	manager   *credit.Manager
	clock     *fakeClock
	messenger *fakeMessenger
	jobs      *fakeJobs
	orch      *Orchestrator
}

// newTestEnv builds an orchestrator over an in-memory ledger with rate
// limiting disabled and a 200ms command timeout.
func newTestEnv(t *testing.T, gen Generator, mutate func(*credit.Config, *Config)) *testEnv {
	t.Helper()

	store, err := document.New(memory.New(), document.Config{})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	cfg := credit.DefaultConfig()
	cfg.Policy.RateLimit.Max = 0
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.Clock = clock

	env := &testEnv{clock: clock, messenger: &fakeMessenger{}, jobs: newFakeJobs()}
	ocfg := Config{
		Generator:    gen,
		Jobs:         env.jobs,
		Messenger:    env.messenger,
		PollSchedule: []time.Duration{time.Hour},
	}
	if mutate != nil {
		mutate(&cfg, &ocfg)
	}

	env.manager, err = credit.NewManager(store, &cfg)
	require.NoError(t, err)
	env.orch, err = New(env.manager, ocfg)
	require.NoError(t, err)
	t.Cleanup(env.orch.Close)
	return env
}

func (e *testEnv) account(t *testing.T, userID string) *credit.Account {
	t.Helper()
	acc, found, err := e.manager.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	if !found {
		return &credit.Account{UserID: userID}
	}
	return acc
}

func (e *testEnv) recharge(t *testing.T, userID string, amount int) {
	t.Helper()
	_, err := e.manager.Recharge(context.Background(), credit.RechargeRequest{
		Type:   credit.RechargeSingle,
		Users:  map[string]string{userID: ""},
		Amount: amount,
	})
	require.NoError(t, err)
}
