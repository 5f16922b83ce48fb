package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
	"github.com/mihaimyh/gocredit/pkg/orchestrator"
	"github.com/mihaimyh/gocredit/storage/document"
	"github.com/mihaimyh/gocredit/storage/memory"
)

const (
	testUserID = "user123"
	testAdmin  = "ops"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// Helper to create a test manager
func newTestManager(t *testing.T) *credit.Manager {
	t.Helper()
	store, err := document.New(memory.New(), document.Config{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	cfg := credit.DefaultConfig()
	cfg.AdminUsers = []string{testAdmin}
	cfg.Policy.RateLimit.Max = 0
	cfg.Clock = fixedClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	manager, err := credit.NewManager(store, &cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func newTestRouter(t *testing.T, manager *credit.Manager, orch *orchestrator.Orchestrator) http.Handler {
	t.Helper()
	handler, err := NewHandler(Config{Manager: manager, Orchestrator: orch})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler.Routes()
}

func do(router http.Handler, method, target, operator, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if operator != "" {
		req.Header.Set(defaultAdminHeader, operator)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNewHandler_RequiresManager(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Fatal("Expected error for missing manager")
	}
}

func TestHandler_GetAccount_UnknownUser(t *testing.T) {
	router := newTestRouter(t, newTestManager(t), nil)

	w := do(router, http.MethodGet, "/accounts/"+testUserID, testUserID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp AccountResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.UserID != testUserID {
		t.Errorf("Expected userID %s, got %s", testUserID, resp.UserID)
	}
	if resp.RemainingToday != 5 || resp.Total != 5 || resp.Purchased != 0 {
		t.Errorf("Expected a fresh allowance of 5, got %+v", resp)
	}
	if resp.LastUsedAt != nil {
		t.Errorf("Expected no last use, got %v", resp.LastUsedAt)
	}
}

func TestHandler_GetAccount_AfterUsage(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	if _, err := manager.Recharge(ctx, credit.RechargeRequest{
		Type: credit.RechargeSingle, Users: map[string]string{testUserID: "Alice"}, Amount: 10,
	}); err != nil {
		t.Fatalf("Recharge failed: %v", err)
	}
	if _, err := manager.ConsumeQuota(ctx, credit.ConsumeRequest{UserID: testUserID, Command: "image", Units: 7}); err != nil {
		t.Fatalf("ConsumeQuota failed: %v", err)
	}

	w := do(newTestRouter(t, manager, nil), http.MethodGet, "/accounts/"+testUserID, testAdmin, "")
	var resp AccountResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if resp.DailyUsed != 5 || resp.RemainingToday != 0 {
		t.Errorf("Expected free allowance used up, got %+v", resp)
	}
	if resp.Purchased != 8 || resp.Total != 8 {
		t.Errorf("Expected 8 purchased units left, got %+v", resp)
	}
	if resp.TotalUsage != 7 {
		t.Errorf("Expected total usage 7, got %d", resp.TotalUsage)
	}
	if resp.DisplayName != "Alice" {
		t.Errorf("Expected display name Alice, got %q", resp.DisplayName)
	}
}

func TestHandler_GetAccount_RequiresUserOrAdmin(t *testing.T) {
	router := newTestRouter(t, newTestManager(t), nil)

	tests := []struct {
		name     string
		operator string
		want     int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"other user", "mallory", http.StatusForbidden},
		{"same user", testUserID, http.StatusOK},
		{"admin", testAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodGet, "/accounts/"+testUserID, tt.operator, "")
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_AdminRoutesRequireAdmin(t *testing.T) {
	router := newTestRouter(t, newTestManager(t), nil)

	if w := do(router, http.MethodGet, "/recharges", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without operator, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/jobs", "mallory", ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}
}

func TestHandler_Recharge(t *testing.T) {
	manager := newTestManager(t)
	router := newTestRouter(t, manager, nil)

	w := do(router, http.MethodPost, "/recharges", testAdmin,
		`{"id":"order-1","type":"batch","users":{"alice":"Alice","bob":""},"amount":20,"note":"promo"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec credit.RechargeRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if rec.ID != "order-1" || rec.Operator != testAdmin || rec.TotalAmount != 40 || len(rec.Entries) != 2 {
		t.Errorf("Unexpected record: %+v", rec)
	}

	bal, err := manager.Balance(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Purchased != 20 {
		t.Errorf("Expected 20 purchased, got %d", bal.Purchased)
	}

	// same ID again
	w = do(router, http.MethodPost, "/recharges", testAdmin,
		`{"id":"order-1","type":"single","users":{"alice":""},"amount":5}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate recharge, got %d", w.Code)
	}
}

func TestHandler_Recharge_Invalid(t *testing.T) {
	router := newTestRouter(t, newTestManager(t), nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"type":`},
		{"unknown field", `{"type":"single","users":{"a":""},"amount":1,"bonus":true}`},
		{"zero amount", `{"type":"single","users":{"a":""},"amount":0}`},
		{"unknown type", `{"type":"gift","users":{"a":""},"amount":1}`},
		{"single without user", `{"type":"single","amount":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/recharges", testAdmin, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_RechargeHistory(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := manager.Recharge(ctx, credit.RechargeRequest{
			ID: id, Type: credit.RechargeSingle, Users: map[string]string{testUserID: ""}, Amount: 1,
		}); err != nil {
			t.Fatalf("Recharge failed: %v", err)
		}
	}
	router := newTestRouter(t, manager, nil)

	w := do(router, http.MethodGet, "/recharges?page=1&size=2", testAdmin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp RechargeHistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Total != 3 || len(resp.Records) != 2 {
		t.Fatalf("Expected 2 of 3 records, got %d of %d", len(resp.Records), resp.Total)
	}
	if resp.Records[0].ID != "r3" || resp.Records[1].ID != "r2" {
		t.Errorf("Expected newest first, got %s, %s", resp.Records[0].ID, resp.Records[1].ID)
	}

	w = do(router, http.MethodGet, "/recharges?page=3&size=2", testAdmin, "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(resp.Records) != 0 {
		t.Errorf("Expected an empty page, got %d records", len(resp.Records))
	}

	if w := do(router, http.MethodGet, "/recharges?page=abc", testAdmin, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad page, got %d", w.Code)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	for _, job := range []*credit.PendingJob{
		{JobID: "j1", UserID: "alice", CommandName: "video", CreditCost: 2},
		{JobID: "j2", UserID: "bob", CommandName: "video", CreditCost: 2},
	} {
		if err := manager.AddPendingJobWithLimit(ctx, job, 1); err != nil {
			t.Fatalf("AddPendingJobWithLimit failed: %v", err)
		}
	}
	router := newTestRouter(t, manager, nil)

	w := do(router, http.MethodGet, "/jobs", testAdmin, "")
	var resp JobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(resp.Jobs))
	}

	w = do(router, http.MethodGet, "/jobs?user=bob", testAdmin, "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].JobID != "j2" {
		t.Errorf("Expected bob's job only, got %+v", resp.Jobs)
	}
}

type nopMessenger struct{}

func (nopMessenger) SendText(context.Context, string, string) error  { return nil }
func (nopMessenger) SendMedia(context.Context, string, string) error { return nil }

type pendingJobs struct{}

func (pendingJobs) SubmitJob(context.Context, orchestrator.JobRequest) (string, error) {
	return "remote-1", nil
}

func (pendingJobs) QueryJob(context.Context, string) (*orchestrator.JobStatus, error) {
	return &orchestrator.JobStatus{State: orchestrator.JobPending}, nil
}

func TestHandler_Sweep(t *testing.T) {
	manager := newTestManager(t)

	if w := do(newTestRouter(t, manager, nil), http.MethodPost, "/jobs/sweep", testAdmin, ""); w.Code != http.StatusNotImplemented {
		t.Errorf("Expected 501 without orchestrator, got %d", w.Code)
	}

	orch, err := orchestrator.New(manager, orchestrator.Config{
		Jobs:         pendingJobs{},
		Messenger:    nopMessenger{},
		PollSchedule: []time.Duration{time.Hour},
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orch.Close()

	w := do(newTestRouter(t, manager, orch), http.MethodPost, "/jobs/sweep", testAdmin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SweepResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp != (SweepResponse{}) {
		t.Errorf("Expected an empty sweep, got %+v", resp)
	}
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	var gotStatus int
	handler, err := NewHandler(Config{
		Manager: newTestManager(t),
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error, status int) {
			gotStatus = status
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := do(handler.Routes(), http.MethodGet, "/jobs", "", "")
	if gotStatus != http.StatusUnauthorized || w.Code != http.StatusTeapot {
		t.Errorf("Expected custom handler with 401, got %d / %d", gotStatus, w.Code)
	}
}
