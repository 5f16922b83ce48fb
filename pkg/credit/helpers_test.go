package credit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
	"github.com/mihaimyh/gocredit/storage/document"
	"github.com/mihaimyh/gocredit/storage/memory"
)

// fakeClock is a manually advanced credit.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
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

var testEpoch = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

// newTestManager creates a manager over an in-memory document store with
// rate limiting disabled.
func newTestManager(t *testing.T, mutate func(*credit.Config)) (*credit.Manager, *fakeClock, *memory.Storage) {
	t.Helper()

	backend := memory.New()
	store, err := document.New(backend, document.Config{})
	if err != nil {
		t.Fatalf("document.New failed: %v", err)
	}

	clock := newFakeClock(testEpoch)
	config := credit.DefaultConfig()
	config.Policy.RateLimit.Max = 0
	config.Clock = clock
	if mutate != nil {
		mutate(&config)
	}

	manager, err := credit.NewManager(store, &config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager, clock, backend
}

func recharge(t *testing.T, m *credit.Manager, userID string, amount int) {
	t.Helper()
	_, err := m.Recharge(context.Background(), credit.RechargeRequest{
		Type:     credit.RechargeSingle,
		Operator: "test",
		Users:    map[string]string{userID: ""},
		Amount:   amount,
	})
	if err != nil {
		t.Fatalf("Recharge failed: %v", err)
	}
}
