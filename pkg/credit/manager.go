package credit

import (
	"time"
)

// Manager owns the usage ledger: quota checks and consumption, recharges and
// the pending external job ledger. It is the single writer of its Store.
type Manager struct {
	store       Store
	config      Config
	rateLimiter RateLimiter
	clock       Clock
	metrics     Metrics
	logger      Logger
	admins      map[string]struct{}
	unlimited   map[string]struct{}
}

// NewManager creates a new ledger manager with the given store and configuration
func NewManager(store Store, config *Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := *config
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewMemoryRateLimiter(cfg.Clock)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.MaxUnchargedJobsPerUser == 0 {
		cfg.MaxUnchargedJobsPerUser = defaultMaxUnchargedJobs
	}
	if cfg.PerJobCreditMultiplier == 0 {
		cfg.PerJobCreditMultiplier = defaultPerJobCreditMultiplier
	}
	if cfg.PendingJobMaxAge == 0 {
		cfg.PendingJobMaxAge = defaultPendingJobMaxAge
	}
	if cfg.Security.DeductCommand == "" {
		cfg.Security.DeductCommand = defaultSecurityDeductCommand
	}

	m := &Manager{
		store:       store,
		config:      cfg,
		rateLimiter: cfg.RateLimiter,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		admins:      toSet(cfg.AdminUsers),
		unlimited:   toSet(cfg.UnlimitedPlatforms),
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Clock returns the manager's time source.
func (m *Manager) Clock() Clock {
	return m.clock
}

// Logger returns the manager's logger.
func (m *Manager) Logger() Logger {
	return m.logger
}

// Metrics returns the manager's metrics recorder.
func (m *Manager) Metrics() Metrics {
	return m.metrics
}

// IsAdmin reports whether userID is configured as an admin.
func (m *Manager) IsAdmin(userID string) bool {
	_, ok := m.admins[userID]
	return ok
}

// IsExempt reports whether a caller bypasses quota accounting.
func (m *Manager) IsExempt(userID, platform string) bool {
	if m.IsAdmin(userID) {
		return true
	}
	_, ok := m.unlimited[platform]
	return ok && platform != ""
}

func (m *Manager) policy(p *Policy) Policy {
	if p != nil {
		return *p
	}
	return m.config.Policy
}

func (m *Manager) today() string {
	return DayKey(m.clock.Now(), m.config.Location)
}

// ensureAccount returns the account for userID, creating it if needed.
// Callers hold the accounts lock.
func (m *Manager) ensureAccount(accounts map[string]*Account, userID, displayName string, now time.Time) *Account {
	acc, ok := accounts[userID]
	if !ok {
		acc = &Account{
			UserID:         userID,
			DisplayName:    displayName,
			LastDailyReset: DayKey(now, m.config.Location),
			CreatedAt:      now,
		}
		accounts[userID] = acc
		m.logger.Debug("account created", UserField(userID))
		return acc
	}
	if displayName != "" && acc.DisplayName != displayName {
		acc.DisplayName = displayName
	}
	return acc
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func validateUnits(userID string, units int) error {
	if userID == "" {
		return &ValidationError{Field: "user", Message: "missing user identity"}
	}
	if units <= 0 {
		return &ValidationError{Field: "units", Message: "unit count must be a positive number"}
	}
	return nil
}
