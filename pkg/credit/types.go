package credit

import (
	"context"
	"time"
)

// Table names of the three persisted ledger documents.
const (
	TableAccounts        = "accounts"
	TableRechargeHistory = "recharge_history"
	TablePendingJobs     = "pending_jobs"
)

// ConsumptionType describes which balance a consumption was drawn from.
type ConsumptionType string

const (
	ConsumptionFree      ConsumptionType = "free"
	ConsumptionPurchased ConsumptionType = "purchased"
	ConsumptionMixed     ConsumptionType = "mixed"
	// ConsumptionExempt marks usage recorded for admins and unlimited platforms.
	ConsumptionExempt ConsumptionType = "exempt"
)

// RechargeType identifies how many accounts a recharge touched.
type RechargeType string

const (
	RechargeSingle RechargeType = "single"
	RechargeBatch  RechargeType = "batch"
	RechargeAll    RechargeType = "all"
)

// Account is the ledger row for one end user. Accounts are created lazily on
// first reference and are never deleted.
type Account struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`

	// TotalUsageCount is the lifetime number of units consumed or recorded.
	TotalUsageCount int `json:"totalUsageCount"`

	// DailyUsageCount is the free allowance consumed since LastDailyReset.
	DailyUsageCount int `json:"dailyUsageCount"`

	// LastDailyReset is the calendar day (YYYY-MM-DD) DailyUsageCount refers to.
	LastDailyReset string `json:"lastDailyReset"`

	// PurchasedCount is the lifetime number of units ever credited.
	PurchasedCount int `json:"purchasedCount"`

	// RemainingPurchasedCount is the current purchased balance, never negative.
	RemainingPurchasedCount int `json:"remainingPurchasedCount"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// RechargeEntry is the per-account line of a RechargeRecord.
type RechargeEntry struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Amount        int    `json:"amount"`
	BeforeBalance int    `json:"beforeBalance"`
	AfterBalance  int    `json:"afterBalance"`
}

// RechargeRecord is an immutable audit entry appended for every credit operation.
type RechargeRecord struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        RechargeType    `json:"type"`
	Operator    string          `json:"operator"`
	Entries     []RechargeEntry `json:"users"`
	TotalAmount int             `json:"totalAmount"`
	Note        string          `json:"note,omitempty"`
}

// PendingJob tracks an external job between submission and reconciliation so
// that it is charged at most once, however its completion is observed.
type PendingJob struct {
	JobID       string `json:"jobId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
	CommandName string `json:"commandName"`
	CreditCost  int    `json:"creditCost"`
	// Exempt jobs record usage without touching balances when charged.
	Exempt    bool       `json:"exempt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Charged   bool       `json:"charged"`
	ChargedAt *time.Time `json:"chargedAt,omitempty"`
}

// RateLimitConfig configures the per-user sliding admission window.
// A zero Max disables rate limiting.
type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

// RateLimitInfo contains information about a rate limit check result
type RateLimitInfo struct {
	// Remaining is the number of admissions left in the current window
	Remaining int

	// ResetTime is when the oldest admission leaves the window
	ResetTime time.Time

	// Wait is how long a denied caller has to wait before retrying
	Wait time.Duration

	// Limit is the window capacity
	Limit int
}

// Policy holds the quota rules applied to a reservation or consumption.
type Policy struct {
	// DailyFreeLimit is the number of free units per calendar day
	DailyFreeLimit int

	// RateLimit is the admission window consulted by CheckAndReserveQuota
	RateLimit RateLimitConfig
}

// ReserveRequest is the input of CheckAndReserveQuota.
type ReserveRequest struct {
	UserID      string
	DisplayName string
	Units       int

	// Platform identifies the calling transport; platforms listed in
	// Config.UnlimitedPlatforms bypass all checks.
	Platform string

	// Policy overrides Config.Policy when set.
	Policy *Policy
}

// Reservation is the outcome of an allowed CheckAndReserveQuota call. It does
// not hold any balance; it records what the check observed.
type Reservation struct {
	UserID string
	Units  int

	// Exempt is set for admins and unlimited platforms. Exempt callers record
	// usage with RecordUsageOnly and are never charged.
	Exempt bool

	RemainingToday int
	Purchased      int
}

// ConsumeRequest is the input of ConsumeQuota and TryConsume.
type ConsumeRequest struct {
	UserID      string
	DisplayName string
	Command     string
	Units       int
	Policy      *Policy
}

// ConsumeResult reports how a consumption was split between balances.
type ConsumeResult struct {
	Account         Account
	ConsumptionType ConsumptionType
	FreeUsed        int
	PurchasedUsed   int
}

// Balance is a read-only view of an account's spendable units.
type Balance struct {
	Account        Account
	EffectiveDaily int
	RemainingToday int
	Purchased      int
	Total          int
}

// RechargeRequest credits purchased units to one, many or all accounts.
type RechargeRequest struct {
	// ID is optional; when set, a second recharge with the same ID is rejected
	// with ErrDuplicateRecharge.
	ID       string
	Type     RechargeType
	Operator string
	// Users maps user IDs to display names. Ignored for RechargeAll.
	Users  map[string]string
	Amount int
	Note   string
}

// RechargePage is one page of the recharge history, newest first.
type RechargePage struct {
	Records []*RechargeRecord
	Total   int
	Page    int
	Size    int
}

// Store is the Ledger Store: exclusive, FIFO-ordered access to each table.
// Update functions run on a private copy of the table that replaces the cached
// table only after it was persisted; an error from fn discards the copy.
// View functions must not mutate what they are given.
//
// Callers needing two tables must nest them in the order accounts, recharge
// history, pending jobs.
type Store interface {
	ViewAccounts(ctx context.Context, fn func(accounts map[string]*Account) error) error
	UpdateAccounts(ctx context.Context, fn func(accounts map[string]*Account) error) error
	// UpdateAccountsThen runs after once the accounts save succeeded, with the
	// accounts lock still held. If after fails the accounts change is undone.
	UpdateAccountsThen(ctx context.Context, fn func(accounts map[string]*Account) error, after func() error) error

	ViewRecharges(ctx context.Context, fn func(records []*RechargeRecord) error) error
	AppendRecharges(ctx context.Context, records ...*RechargeRecord) error

	ViewPendingJobs(ctx context.Context, fn func(jobs map[string]*PendingJob) error) error
	UpdatePendingJobs(ctx context.Context, fn func(jobs map[string]*PendingJob) error) error
}

// Backend persists raw ledger documents by table name.
type Backend interface {
	// Load returns the current document, or ErrDocumentNotFound.
	Load(ctx context.Context, name string) ([]byte, error)

	// LoadBackup returns the previous version of the document, or ErrDocumentNotFound.
	LoadBackup(ctx context.Context, name string) ([]byte, error)

	// Save replaces the document. The version being replaced must be written
	// to the backup slot before the new version becomes visible.
	Save(ctx context.Context, name string, data []byte) error
}

// Clock abstracts the wall clock so daily resets and windows can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
