package credit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDailyFreeLimit          = 5
	defaultRateLimitWindow         = 60 * time.Second
	defaultRateLimitMax            = 5
	defaultSecurityWindow          = time.Hour
	defaultSecurityThreshold       = 3
	defaultSecurityDeductUnits     = 1
	defaultCommandTimeout          = 180 * time.Second
	defaultMaxUnchargedJobs        = 1
	defaultPerJobCreditMultiplier  = 1
	defaultPendingJobMaxAge        = 24 * time.Hour
	defaultSecurityDeductCommand   = "security_block"
	defaultRechargeHistoryPageSize = 20
)

// SecurityConfig configures the content-policy escalation tracker.
type SecurityConfig struct {
	// Window is the sliding window length for counting rejections (default: 1 hour)
	Window time.Duration

	// WarningThreshold is the rejection count that triggers the one-time warning (default: 3)
	WarningThreshold int

	// DeductUnits is billed for every rejection after the warning (default: 1)
	DeductUnits int

	// DeductCommand is the synthetic command name deductions are billed under
	DeductCommand string

	// ContentPolicyMarkers are matched against provider errors to detect rejections.
	// If empty, DefaultContentPolicyMarkers is used.
	ContentPolicyMarkers []string
}

// Config holds ledger manager configuration
type Config struct {
	// Policy is the default quota policy
	Policy Policy

	// AdminUsers bypass every check and are never charged
	AdminUsers []string

	// UnlimitedPlatforms are caller contexts (transport identifiers) exempt from charging
	UnlimitedPlatforms []string

	// Security configures content-policy escalation
	Security SecurityConfig

	// CommandTimeout is the client-visible deadline of a generation command (default: 180s)
	CommandTimeout time.Duration

	// MaxUnchargedJobsPerUser bounds uncharged pending jobs per user (default: 1)
	MaxUnchargedJobsPerUser int

	// PerJobCreditMultiplier scales the units of an async job into its credit cost (default: 1)
	PerJobCreditMultiplier int

	// PendingJobMaxAge is the age after which the sweep expires unresolved jobs (default: 24h)
	PendingJobMaxAge time.Duration

	// Location defines calendar days for the daily reset (default: UTC)
	Location *time.Location

	// RateLimiter is used for admission control (default: in-memory sliding window)
	RateLimiter RateLimiter

	// Clock is the time source (default: SystemClock)
	Clock Clock

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Policy: Policy{
			DailyFreeLimit: defaultDailyFreeLimit,
			RateLimit:      RateLimitConfig{Window: defaultRateLimitWindow, Max: defaultRateLimitMax},
		},
		Security: SecurityConfig{
			Window:           defaultSecurityWindow,
			WarningThreshold: defaultSecurityThreshold,
			DeductUnits:      defaultSecurityDeductUnits,
			DeductCommand:    defaultSecurityDeductCommand,
		},
		CommandTimeout:          defaultCommandTimeout,
		MaxUnchargedJobsPerUser: defaultMaxUnchargedJobs,
		PerJobCreditMultiplier:  defaultPerJobCreditMultiplier,
		PendingJobMaxAge:        defaultPendingJobMaxAge,
		Location:                time.UTC,
	}
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if c.Policy.DailyFreeLimit < 0 {
		return fmt.Errorf("credit: config: daily free limit must not be negative")
	}
	if c.Policy.RateLimit.Max < 0 {
		return fmt.Errorf("credit: config: rate limit max must not be negative")
	}
	if c.Policy.RateLimit.Max > 0 && c.Policy.RateLimit.Window <= 0 {
		return fmt.Errorf("credit: config: rate limit window must be positive when max is set")
	}
	if c.Security.WarningThreshold < 0 {
		return fmt.Errorf("credit: config: security warning threshold must not be negative")
	}
	if c.Security.DeductUnits < 0 {
		return fmt.Errorf("credit: config: security deduct units must not be negative")
	}
	if c.MaxUnchargedJobsPerUser < 0 {
		return fmt.Errorf("credit: config: max uncharged jobs must not be negative")
	}
	if c.PerJobCreditMultiplier < 0 {
		return fmt.Errorf("credit: config: per job credit multiplier must not be negative")
	}
	return nil
}

// FileConfig is the YAML configuration document.
type FileConfig struct {
	AdminUsers               []string `yaml:"admin_users"`
	UnlimitedPlatforms       []string `yaml:"unlimited_platforms"`
	DailyFreeLimit           *int     `yaml:"daily_free_limit"`
	RateLimitWindowSeconds   int      `yaml:"rate_limit_window"`
	RateLimitMax             *int     `yaml:"rate_limit_max"`
	SecurityBlockWindow      int      `yaml:"security_block_window"`
	SecurityWarningThreshold int      `yaml:"security_warning_threshold"`
	SecurityDeductUnits      int      `yaml:"security_deduct_units"`
	ContentPolicyMarkers     []string `yaml:"content_policy_markers"`
	CommandTimeoutSeconds    int      `yaml:"command_timeout_seconds"`
	MaxUnchargedJobsPerUser  int      `yaml:"max_uncharged_jobs_per_user"`
	PerJobCreditMultiplier   int      `yaml:"per_job_credit_multiplier"`
	PendingJobMaxAge         string   `yaml:"pending_job_max_age"`
	DataDir                  string   `yaml:"data_dir"`
	Timezone                 string   `yaml:"timezone"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("credit: read config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return FileConfig{}, fmt.Errorf("credit: parse config: %w", err)
	}

	if _, err := fc.ToConfig(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// ToConfig converts the file document into a Config, starting from DefaultConfig.
func (fc FileConfig) ToConfig() (Config, error) {
	cfg := DefaultConfig()
	cfg.AdminUsers = fc.AdminUsers
	cfg.UnlimitedPlatforms = fc.UnlimitedPlatforms

	if fc.DailyFreeLimit != nil {
		cfg.Policy.DailyFreeLimit = *fc.DailyFreeLimit
	}
	if fc.RateLimitWindowSeconds > 0 {
		cfg.Policy.RateLimit.Window = time.Duration(fc.RateLimitWindowSeconds) * time.Second
	}
	if fc.RateLimitMax != nil {
		cfg.Policy.RateLimit.Max = *fc.RateLimitMax
	}
	if fc.SecurityBlockWindow > 0 {
		cfg.Security.Window = time.Duration(fc.SecurityBlockWindow) * time.Second
	}
	if fc.SecurityWarningThreshold > 0 {
		cfg.Security.WarningThreshold = fc.SecurityWarningThreshold
	}
	if fc.SecurityDeductUnits > 0 {
		cfg.Security.DeductUnits = fc.SecurityDeductUnits
	}
	cfg.Security.ContentPolicyMarkers = fc.ContentPolicyMarkers
	if fc.CommandTimeoutSeconds > 0 {
		cfg.CommandTimeout = time.Duration(fc.CommandTimeoutSeconds) * time.Second
	}
	if fc.MaxUnchargedJobsPerUser > 0 {
		cfg.MaxUnchargedJobsPerUser = fc.MaxUnchargedJobsPerUser
	}
	if fc.PerJobCreditMultiplier > 0 {
		cfg.PerJobCreditMultiplier = fc.PerJobCreditMultiplier
	}
	if fc.PendingJobMaxAge != "" {
		d, err := time.ParseDuration(fc.PendingJobMaxAge)
		if err != nil {
			return Config{}, fmt.Errorf("credit: config: pending_job_max_age: %w", err)
		}
		cfg.PendingJobMaxAge = d
	}
	if fc.Timezone != "" {
		loc, err := time.LoadLocation(fc.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("credit: config: timezone: %w", err)
		}
		cfg.Location = loc
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
