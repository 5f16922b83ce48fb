// Package fiber provides Fiber middleware that admits generation requests
// against the credit ledger.
package fiber

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

const admissionKey = "credit.admission"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// UnitsExtractor returns the number of units the request asks for
type UnitsExtractor func(c *fiber.Ctx) (int, error)

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
	GetDisplayName func(c *fiber.Ctx) string

	// Platform is passed to the manager; unlimited platforms are never charged
	Platform string

	// Policy overrides the manager's policy for this route (optional)
	Policy *credit.Policy

	// QuotaExceededStatusCode is returned when the user cannot afford the request
	// Default: 402 (Payment Required)
	QuotaExceededStatusCode int

	// OnRateLimited is called when the rate limit window is full.
	// Retry-After is already set. If nil, returns 429 JSON
	OnRateLimited func(c *fiber.Ctx, err *credit.RateLimitedError) error

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, returns QuotaExceededStatusCode JSON with balance info
	OnQuotaExceeded func(c *fiber.Ctx, err *credit.QuotaExceededError) error

	// OnTaskInProgress is called when the user already runs a generation
	// If nil, returns 409 Conflict
	OnTaskInProgress func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that takes the user's generation
// slot and reserves quota before the next handler runs. Handlers charge for
// what they delivered with Charge. The slot is released when c.Next returns.
//
// Fiber runs on fasthttp, so the ledger is called with c.UserContext().
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gocredit/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/fiber: Config.GetUserID is required")
	}
	if cfg.GetUnits == nil {
		panic("gocredit/fiber: Config.GetUnits is required")
	}

	if cfg.Gate == nil {
		cfg.Gate = credit.NewTaskGate()
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		units, err := cfg.GetUnits(c)
		if err != nil {
			return handleError(cfg, c, &credit.ValidationError{Field: "units", Message: err.Error()})
		}

		if !cfg.Gate.StartTask(userID) {
			if cfg.OnTaskInProgress != nil {
				return cfg.OnTaskInProgress(c)
			}
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A generation is already in progress"})
		}
		defer cfg.Gate.EndTask(userID)

		displayName := ""
		if cfg.GetDisplayName != nil {
			displayName = cfg.GetDisplayName(c)
		}

		reservation, err := cfg.Manager.CheckAndReserveQuota(c.UserContext(), credit.ReserveRequest{
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
				c.Set("Retry-After", strconv.Itoa(rerr.WaitSeconds()))
				if cfg.OnRateLimited != nil {
					return cfg.OnRateLimited(c, rerr)
				}
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":       rerr.Error(),
					"retry_after": rerr.WaitSeconds(),
				})
			case errors.As(err, &qerr):
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, qerr)
				}
				return c.Status(cfg.QuotaExceededStatusCode).JSON(fiber.Map{
					"error":           "Quota exceeded",
					"requested":       qerr.Requested,
					"remaining_today": qerr.RemainingToday,
					"purchased":       qerr.Purchased,
				})
			default:
				return handleError(cfg, c, err)
			}
		}

		c.Locals(admissionKey, cfg.Manager.Admit(reservation, displayName, cfg.Policy))
		return c.Next()
	}
}

// Reservation returns the reservation made for the request, if any
func Reservation(c *fiber.Ctx) (*credit.Reservation, bool) {
	a, ok := c.Locals(admissionKey).(*credit.Admission)
	if !ok {
		return nil, false
	}
	return a.Reservation(), true
}

// Charge bills units delivered by the handler under command. A request is
// charged at most once and never for more units than it reserved. Call it
// before the handler returns; Fiber recycles the context afterwards.
func Charge(c *fiber.Ctx, command string, units int) (*credit.ConsumeResult, error) {
	a, ok := c.Locals(admissionKey).(*credit.Admission)
	if !ok {
		return nil, fmt.Errorf("request was not admitted by the credit middleware")
	}
	return a.Charge(c.UserContext(), command, units)
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	var verr *credit.ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that reads c.Locals(key)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Units

// FixedUnits returns a UnitsExtractor that always returns n
func FixedUnits(n int) UnitsExtractor {
	return func(*fiber.Ctx) (int, error) {
		return n, nil
	}
}

// QueryUnits returns a UnitsExtractor that reads a query parameter, or def when absent
func QueryUnits(name string, def int) UnitsExtractor {
	return func(c *fiber.Ctx) (int, error) {
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
