// Package echo provides Echo middleware that admits generation requests
// against the credit ledger.
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

const admissionKey = "credit.admission"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// UnitsExtractor returns the number of units the request asks for
type UnitsExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance (required)
	Manager *credit.Manager

	// Gate allows one generation per user at a time (default: private gate)
	Gate *credit.TaskGate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetUnits extracts the requested units (required)
	GetUnits UnitsExtractor

	// GetDisplayName extracts a display name for new accounts (optional)
	GetDisplayName func(c echo.Context) string

	// Platform is passed to the manager; unlimited platforms are never charged
	Platform string

	// Policy overrides the manager's policy for this route (optional)
	Policy *credit.Policy

	// QuotaExceededStatusCode is returned when the user cannot afford the request
	// Default: 402 (Payment Required)
	QuotaExceededStatusCode int

	// OnRateLimited is called when the rate limit window is full.
	// Retry-After is already set. If nil, returns 429 JSON
	OnRateLimited func(c echo.Context, err *credit.RateLimitedError) error

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, returns QuotaExceededStatusCode JSON with balance info
	OnQuotaExceeded func(c echo.Context, err *credit.QuotaExceededError) error

	// OnTaskInProgress is called when the user already runs a generation
	// If nil, returns 409 Conflict
	OnTaskInProgress func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that takes the user's generation
// slot and reserves quota before next runs. Handlers charge for what they
// delivered with Charge. The slot is released when next returns.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gocredit/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/echo: Config.GetUserID is required")
	}
	if cfg.GetUnits == nil {
		panic("gocredit/echo: Config.GetUnits is required")
	}

	if cfg.Gate == nil {
		cfg.Gate = credit.NewTaskGate()
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			units, err := cfg.GetUnits(c)
			if err != nil {
				return handleError(cfg, c, &credit.ValidationError{Field: "units", Message: err.Error()})
			}

			if !cfg.Gate.StartTask(userID) {
				if cfg.OnTaskInProgress != nil {
					return cfg.OnTaskInProgress(c)
				}
				return c.JSON(http.StatusConflict, map[string]string{"error": "A generation is already in progress"})
			}
			defer cfg.Gate.EndTask(userID)

			displayName := ""
			if cfg.GetDisplayName != nil {
				displayName = cfg.GetDisplayName(c)
			}

			reservation, err := cfg.Manager.CheckAndReserveQuota(c.Request().Context(), credit.ReserveRequest{
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
					c.Response().Header().Set("Retry-After", strconv.Itoa(rerr.WaitSeconds()))
					if cfg.OnRateLimited != nil {
						return cfg.OnRateLimited(c, rerr)
					}
					return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
						"error":       rerr.Error(),
						"retry_after": rerr.WaitSeconds(),
					})
				case errors.As(err, &qerr):
					if cfg.OnQuotaExceeded != nil {
						return cfg.OnQuotaExceeded(c, qerr)
					}
					return c.JSON(cfg.QuotaExceededStatusCode, map[string]interface{}{
						"error":           "Quota exceeded",
						"requested":       qerr.Requested,
						"remaining_today": qerr.RemainingToday,
						"purchased":       qerr.Purchased,
					})
				default:
					return handleError(cfg, c, err)
				}
			}

			c.Set(admissionKey, cfg.Manager.Admit(reservation, displayName, cfg.Policy))
			return next(c)
		}
	}
}

// Reservation returns the reservation made for the request, if any
func Reservation(c echo.Context) (*credit.Reservation, bool) {
	a, ok := c.Get(admissionKey).(*credit.Admission)
	if !ok {
		return nil, false
	}
	return a.Reservation(), true
}

// Charge bills units delivered by the handler under command. A request is
// charged at most once and never for more units than it reserved.
func Charge(c echo.Context, command string, units int) (*credit.ConsumeResult, error) {
	a, ok := c.Get(admissionKey).(*credit.Admission)
	if !ok {
		return nil, fmt.Errorf("request was not admitted by the credit middleware")
	}
	return a.Charge(c.Request().Context(), command, units)
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	var verr *credit.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that reads a value set with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Units

// FixedUnits returns a UnitsExtractor that always returns n
func FixedUnits(n int) UnitsExtractor {
	return func(echo.Context) (int, error) {
		return n, nil
	}
}

// QueryUnits returns a UnitsExtractor that reads a query parameter, or def when absent
func QueryUnits(name string, def int) UnitsExtractor {
	return func(c echo.Context) (int, error) {
		raw := c.QueryParam(name)
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
