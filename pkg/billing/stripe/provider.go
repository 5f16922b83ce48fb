package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/billing/internal"
	"github.com/mihaimyh/gocredit/pkg/credit"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBody           = 256 * 1024

	// metadata keys written by CheckoutURL and read back from sessions
	metaUserID      = "user_id"
	metaDisplayName = "display_name"
	metaPriceID     = "price_id"
	metaCredits     = "credits"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, Packs, etc.)

	// Stripe-specific; they take precedence over APIKey and WebhookSecret
	StripeAPIKey        string
	StripeWebhookSecret string
}

// checkoutSessions is the slice of the Stripe checkout session API the
// provider calls.
type checkoutSessions interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	Retrieve(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error)
}

// Provider sells credit packs through Stripe Checkout and recharges paid
// sessions into the credit ledger.
type Provider struct {
	manager       *credit.Manager
	logger        credit.Logger
	sessions      checkoutSessions
	packs         map[string]int // Price ID -> credits
	webhookSecret string
	limiter       credit.RateLimiter
	rateLimit     credit.RateLimitConfig
	onTopUp       func(billing.TopUpEvent)
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(firstNonEmpty(config.StripeAPIKey, config.APIKey))
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	client := stripe.NewClient(apiKey, stripe.WithBackends(backends))

	packs := make(map[string]int, len(config.Packs))
	for priceID, credits := range config.Packs {
		if credits > 0 {
			packs[strings.TrimSpace(priceID)] = credits
		}
	}

	rateLimit := config.WebhookRateLimit
	if rateLimit.Max <= 0 {
		rateLimit = credit.RateLimitConfig{Max: defaultRateLimitRequests, Window: defaultRateLimitWindow}
	}
	if rateLimit.Window <= 0 {
		rateLimit.Window = defaultRateLimitWindow
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		logger:        config.Manager.Logger(),
		sessions:      client.V1CheckoutSessions,
		packs:         packs,
		webhookSecret: strings.TrimSpace(firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret)),
		limiter:       credit.NewMemoryRateLimiter(config.Manager.Clock()),
		rateLimit:     rateLimit,
		onTopUp:       config.OnTopUp,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, rate limited
// per client IP.
func (p *Provider) WebhookHandler() http.Handler {
	return internal.RateLimit(p.limiter, p.rateLimit, http.HandlerFunc(p.handleWebhook))
}

// PackCredits returns the credits bought by priceID, or zero when the price is
// not a configured pack.
func (p *Provider) PackCredits(priceID string) int {
	return p.packs[strings.TrimSpace(priceID)]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ billing.Provider = (*Provider)(nil)
