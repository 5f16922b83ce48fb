package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/credit"
	"github.com/mihaimyh/gocredit/pkg/orchestrator"
)

const defaultAdminHeader = "X-Admin-User"

// Config holds configuration for the ledger API handler
type Config struct {
	// Manager is the credit manager instance (required)
	Manager *credit.Manager

	// Orchestrator serves POST /jobs/sweep (optional; the route answers 501 without it)
	Orchestrator *orchestrator.Orchestrator

	// GetOperator extracts the calling operator from the request.
	// Admin routes require an operator listed in the manager's AdminUsers.
	// Default: the X-Admin-User header
	GetOperator func(*http.Request) string

	// OnError handles errors (auth, validation, internal)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error, int)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new ledger API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetOperator == nil {
		config.GetOperator = FromHeader(defaultAdminHeader)
	}
	return &Handler{
		config: config,
		logger: config.Manager.Logger(),
	}, nil
}

// FromHeader returns a GetOperator function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetOperator function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if operator, ok := r.Context().Value(key).(string); ok {
			return operator
		}
		return ""
	}
}
