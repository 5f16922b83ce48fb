// Package gin provides Gin middleware that admits generation requests
// against the credit ledger.
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// ReservationKey is the Gin context key holding the request's *credit.Reservation
const ReservationKey = "credit.reservation"

const admissionKey = "credit.admission"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// UnitsExtractor returns the number of units the request asks for
type UnitsExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance
	Manager *credit.Manager

	// Gate allows one generation per user at a time (default: private gate)
	Gate *credit.TaskGate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetUnits extracts the requested units (required)
	GetUnits UnitsExtractor

	// GetDisplayName extracts a display name for new accounts (optional)
	GetDisplayName func(c *gongin.Context) string

	// Platform is passed to the manager; unlimited platforms are never charged
	Platform string

	// Policy overrides the manager's policy for this route (optional)
	Policy *credit.Policy

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 402 (Payment Required)
	QuotaExceededStatusCode int

	// OnRateLimited is called when the rate limit window is full
	// If nil, uses default response: 429 JSON with Retry-After
	OnRateLimited func(c *gongin.Context, err *credit.RateLimitedError)

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with balance info
	OnQuotaExceeded func(c *gongin.Context, err *credit.QuotaExceededError)

	// OnTaskInProgress is called when the user already runs a generation
	// If nil, returns 409 Conflict
	OnTaskInProgress func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that takes the user's generation slot
// and reserves quota before the handler chain runs. Handlers charge for what
// they delivered with Charge. The slot is released when the chain returns.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocredit/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/gin: Config.GetUserID is required")
	}
	if cfg.GetUnits == nil {
		panic("gocredit/gin: Config.GetUnits is required")
	}

	if cfg.Gate == nil {
		cfg.Gate = credit.NewTaskGate()
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		units, err := cfg.GetUnits(c)
		if err != nil {
			handleError(cfg, c, &credit.ValidationError{Field: "units", Message: err.Error()})
			return
		}

		if !cfg.Gate.StartTask(userID) {
			if cfg.OnTaskInProgress != nil {
				cfg.OnTaskInProgress(c)
			} else {
				c.JSON(http.StatusConflict, gongin.H{"error": "A generation is already in progress"})
			}
			c.Abort()
			return
		}
		defer cfg.Gate.EndTask(userID)

		displayName := ""
		if cfg.GetDisplayName != nil {
			displayName = cfg.GetDisplayName(c)
		}

		reservation, err := cfg.Manager.CheckAndReserveQuota(c.Request.Context(), credit.ReserveRequest{
			UserID:      userID,
			DisplayName: displayName,
			Units:       units,
			Platform:    cfg.Platform,
			Policy:      cfg.Policy,
		})
		if err != nil {
			var (
				rerr *credit.RateLimitedError
				qerr *credit.QuotaExceededError
			)
			switch {
			case errors.As(err, &rerr):
				c.Header("Retry-After", strconv.Itoa(rerr.WaitSeconds()))
				if cfg.OnRateLimited != nil {
					cfg.OnRateLimited(c, rerr)
				} else {
					defaultRateLimited(c, rerr)
				}
				c.Abort()
			case errors.As(err, &qerr):
				if cfg.OnQuotaExceeded != nil {
					cfg.OnQuotaExceeded(c, qerr)
				} else {
					defaultQuotaExceeded(c, qerr, cfg.QuotaExceededStatusCode)
				}
				c.Abort()
			default:
				handleError(cfg, c, err)
			}
			return
		}

		c.Set(ReservationKey, reservation)
		c.Set(admissionKey, cfg.Manager.Admit(reservation, displayName, cfg.Policy))
		c.Next()
	}
}

// Charge bills units delivered by the handler under command. A request is
// charged at most once and never for more units than it reserved.
func Charge(c *gongin.Context, command string, units int) (*credit.ConsumeResult, error) {
	v, ok := c.Get(admissionKey)
	if !ok {
		return nil, fmt.Errorf("request was not admitted by the credit middleware")
	}
	return v.(*credit.Admission).Charge(c.Request.Context(), command, units)
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		defaultError(c, err)
	}
	c.Abort()
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultRateLimited(c *gongin.Context, err *credit.RateLimitedError) {
	c.JSON(http.StatusTooManyRequests, gongin.H{
		"error":       err.Error(),
		"retry_after": err.WaitSeconds(),
	})
}

func defaultQuotaExceeded(c *gongin.Context, err *credit.QuotaExceededError, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":           "Quota exceeded",
		"requested":       err.Requested,
		"remaining_today": err.RemainingToday,
		"purchased":       err.Purchased,
	})
}

func defaultError(c *gongin.Context, err error) {
	var verr *credit.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gongin.H{"error": verr.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Units

// FixedUnits returns a UnitsExtractor that always returns n
func FixedUnits(n int) UnitsExtractor {
	return func(*gongin.Context) (int, error) {
		return n, nil
	}
}

// QueryUnits returns a UnitsExtractor that reads a query parameter, or def when absent
func QueryUnits(name string, def int) UnitsExtractor {
	return func(c *gongin.Context) (int, error) {
		raw := c.Query(name)
		if raw == "" {
			return def, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, raw)
		}
		return n, nil
	}
}
