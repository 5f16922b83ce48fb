package credit

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrQuotaExceeded is returned when the user cannot afford the requested units
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited is returned when the admission window is full
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidAmount is returned for non-positive unit counts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidUser is returned when a user ID is missing
	ErrInvalidUser = errors.New("invalid user")

	// ErrTaskInProgress is returned when the user already runs a task of the same kind
	ErrTaskInProgress = errors.New("task already in progress")

	// ErrPendingJobLimit is returned when the user has too many uncharged jobs
	ErrPendingJobLimit = errors.New("pending job limit reached")

	// ErrJobNotFound is returned for unknown pending job IDs
	ErrJobNotFound = errors.New("pending job not found")

	// ErrDuplicateJob is returned when a job ID is registered twice
	ErrDuplicateJob = errors.New("pending job already registered")

	// ErrDuplicateRecharge is returned when a recharge ID was already recorded
	ErrDuplicateRecharge = errors.New("recharge already recorded")

	// ErrAlreadyCharged is returned when an admitted request is charged twice
	ErrAlreadyCharged = errors.New("request already charged")

	// ErrStorageUnavailable is returned when a store or backend is missing
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDocumentNotFound is returned by backends for documents never written
	ErrDocumentNotFound = errors.New("document not found")

	// ErrTimeout is returned when a command exceeds its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrSecurityBlock is returned when a provider rejected content on policy grounds
	ErrSecurityBlock = errors.New("content rejected by security policy")
)

// ValidationError reports bad caller input. Its message is shown verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is reports ErrInvalidAmount for unit validation failures.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidAmount && e.Field == "units"
}

// QuotaExceededError carries the exact balances observed when a request was denied.
type QuotaExceededError struct {
	Requested      int
	RemainingToday int
	Purchased      int
	Total          int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("insufficient quota: requested %d, remaining today %d, purchased %d, total %d",
		e.Requested, e.RemainingToday, e.Purchased, e.Total)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// RateLimitedError carries the time until the next admission is possible.
type RateLimitedError struct {
	Wait time.Duration
}

// WaitSeconds rounds the wait up to whole seconds.
func (e *RateLimitedError) WaitSeconds() int {
	return int(math.Ceil(e.Wait.Seconds()))
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many requests, please wait %d seconds", e.WaitSeconds())
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// PendingJobLimitError reports the uncharged job count that blocked a submission.
type PendingJobLimitError struct {
	Count int
	Max   int
}

func (e *PendingJobLimitError) Error() string {
	return fmt.Sprintf("you have %d unfinished job(s) (max %d); wait for them to complete or query their status",
		e.Count, e.Max)
}

func (e *PendingJobLimitError) Is(target error) bool {
	return target == ErrPendingJobLimit
}

// ProviderError wraps a failure of an external generation provider.
// Its message is sanitized.
type ProviderError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s failed", e.Op)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, Sanitize(e.Err.Error()))
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|key|token|secret|password|signature)=)[^&\s"]+`),
}

// Sanitize redacts credentials from a provider or transport message.
func Sanitize(msg string) string {
	for i, re := range secretPatterns {
		if i == 2 {
			msg = re.ReplaceAllString(msg, "${1}[REDACTED]")
			continue
		}
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// DefaultContentPolicyMarkers are substrings providers use for policy rejections.
var DefaultContentPolicyMarkers = []string{
	"content policy",
	"safety system",
	"moderation",
	"prohibited content",
	"sensitive content",
	"nsfw",
}

// IsSecurityBlock reports whether err is a provider rejection caused by content
// policy. Timeouts are never security blocks.
func IsSecurityBlock(err error, markers []string) bool {
	if err == nil || errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, ErrSecurityBlock) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Err == nil {
		return false
	}
	if len(markers) == 0 {
		markers = DefaultContentPolicyMarkers
	}
	msg := strings.ToLower(pe.Err.Error())
	for _, m := range markers {
		if m != "" && strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
