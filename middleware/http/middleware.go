// Package http provides net/http middleware that admits generation requests
// against the credit ledger.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// UnitsExtractor returns the number of units the request asks for
type UnitsExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance (required)
	Manager *credit.Manager

	// Gate allows one generation per user at a time.
	// Share it between middlewares guarding the same kind of task.
	// Default: a gate private to this middleware
	Gate *credit.TaskGate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetUnits extracts the requested units (required)
	GetUnits UnitsExtractor

	// GetDisplayName extracts a display name for new accounts (optional)
	GetDisplayName func(r *http.Request) string

	// Platform is passed to the manager; unlimited platforms are never charged
	Platform string

	// Policy overrides the manager's policy for this route (optional)
	Policy *credit.Policy

	// OnRateLimited is called when the rate limit window is full
	// If nil, returns 429 Too Many Requests with Retry-After
	OnRateLimited func(w http.ResponseWriter, r *http.Request, err *credit.RateLimitedError)

	// OnQuotaExceeded is called when the user cannot afford the request
	// If nil, returns 402 Payment Required
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, err *credit.QuotaExceededError)

	// OnTaskInProgress is called when the user already runs a generation
	// If nil, returns 409 Conflict
	OnTaskInProgress func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that takes the user's generation
// slot and reserves quota before calling next. Nothing is charged here: the
// handler charges for what it delivered with Charge. The slot is released
// when next returns, including by panic.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		config.Gate = credit.NewTaskGate()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			units, err := config.GetUnits(r)
			if err != nil {
				handleError(config, w, r, &credit.ValidationError{Field: "units", Message: err.Error()})
				return
			}

			if !config.Gate.StartTask(userID) {
				if config.OnTaskInProgress != nil {
					config.OnTaskInProgress(w, r)
				} else {
					http.Error(w, "A generation is already in progress", http.StatusConflict)
				}
				return
			}
			defer config.Gate.EndTask(userID)

			displayName := ""
			if config.GetDisplayName != nil {
				displayName = config.GetDisplayName(r)
			}

			reservation, err := config.Manager.CheckAndReserveQuota(r.Context(), credit.ReserveRequest{
				UserID:      userID,
				DisplayName: displayName,
				Units:       units,
				Platform:    config.Platform,
				Policy:      config.Policy,
			})
			if err != nil {
				var (
					rerr *credit.RateLimitedError
					qerr *credit.QuotaExceededError
				)
				switch {
				case errors.As(err, &rerr):
					if config.OnRateLimited != nil {
						config.OnRateLimited(w, r, rerr)
						return
					}
					w.Header().Set("Retry-After", strconv.Itoa(rerr.WaitSeconds()))
					http.Error(w, rerr.Error(), http.StatusTooManyRequests)
				case errors.As(err, &qerr):
					if config.OnQuotaExceeded != nil {
						config.OnQuotaExceeded(w, r, qerr)
						return
					}
					http.Error(w, qerr.Error(), http.StatusPaymentRequired)
				default:
					handleError(config, w, r, err)
				}
				return
			}

			ctx := withAdmission(r.Context(), config.Manager.Admit(reservation, displayName, config.Policy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	var verr *credit.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

type contextKey struct{}

func withAdmission(ctx context.Context, a *credit.Admission) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// AdmissionFromContext returns the admission of the request, if any
func AdmissionFromContext(ctx context.Context) (*credit.Admission, bool) {
	a, ok := ctx.Value(contextKey{}).(*credit.Admission)
	return a, ok
}

// ReservationFromContext returns the reservation made for the request, if any
func ReservationFromContext(ctx context.Context) (*credit.Reservation, bool) {
	a, ok := AdmissionFromContext(ctx)
	if !ok {
		return nil, false
	}
	return a.Reservation(), true
}

// Charge bills units delivered by the handler under command. A request is
// charged at most once and never for more units than it reserved.
func Charge(r *http.Request, command string, units int) (*credit.ConsumeResult, error) {
	a, ok := AdmissionFromContext(r.Context())
	if !ok {
		return nil, fmt.Errorf("request was not admitted by the credit middleware")
	}
	return a.Charge(r.Context(), command, units)
}

// Common extractors for convenience

// FixedUnits returns a UnitsExtractor that always returns n
func FixedUnits(n int) UnitsExtractor {
	return func(r *http.Request) (int, error) {
		return n, nil
	}
}

// QueryUnits returns a UnitsExtractor that reads a query parameter, or def when absent
func QueryUnits(name string, def int) UnitsExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.URL.Query().Get(name)
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

// JSONIntField returns a UnitsExtractor that reads a numeric field of a JSON
// body. The body is restored for the next handler.
func JSONIntField(field string) UnitsExtractor {
	return func(r *http.Request) (int, error) {
		if r.Body == nil {
			return 0, fmt.Errorf("missing request body")
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, fmt.Errorf("invalid JSON body: %w", err)
		}
		v, ok := payload[field].(float64)
		if !ok {
			return 0, fmt.Errorf("field %q missing or not a number", field)
		}
		return int(v), nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credit:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
