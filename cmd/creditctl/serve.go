package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gocredit/pkg/api"
	"github.com/mihaimyh/gocredit/pkg/billing"
	billingprom "github.com/mihaimyh/gocredit/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gocredit/pkg/billing/stripe"
)

const shutdownTimeout = 15 * time.Second

// stripeOptions configures the optional Stripe top-up endpoints
type stripeOptions struct {
	apiKey        string
	webhookSecret string
	packs         map[string]int
}

func (o stripeOptions) enabled() bool {
	return o.apiKey != ""
}

func (a *app) stripeProvider(opts stripeOptions) (*stripe.Provider, error) {
	return stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Manager: a.manager,
			Packs:   opts.packs,
			Metrics: billingprom.NewMetrics(a.registry, metricsPrefix),
			OnTopUp: func(e billing.TopUpEvent) {
				a.log.Info().Str("user_id", e.UserID).Int("credits", e.Credits).
					Int("balance", e.Balance).Str("event_type", e.EventType).Msg("credits purchased")
			},
		},
		StripeAPIKey:        opts.apiKey,
		StripeWebhookSecret: opts.webhookSecret,
	})
}

func stripeFlags(cmd *cobra.Command, opts *stripeOptions) {
	cmd.Flags().StringVar(&opts.apiKey, "stripe-api-key", os.Getenv("STRIPE_API_KEY"), "Stripe secret key")
	cmd.Flags().StringVar(&opts.webhookSecret, "stripe-webhook-secret", os.Getenv("STRIPE_WEBHOOK_SECRET"), "Stripe webhook signing secret")
	cmd.Flags().StringToIntVar(&opts.packs, "stripe-pack", nil, "credit pack as price_id=credits (repeatable)")
}

// newServer builds the HTTP surface: the ledger API under /api, Prometheus
// metrics and, when configured, the Stripe webhook.
func (a *app) newServer(opts stripeOptions) (http.Handler, error) {
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := api.NewHandler(api.Config{Manager: a.manager})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/api", handler.Routes())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if opts.enabled() {
		provider, err := a.stripeProvider(opts)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
		a.log.Info().Int("packs", len(opts.packs)).Msg("stripe webhook enabled")
	}
	return r, nil
}

func serveCmd(a *app) *cobra.Command {
	var (
		addr     string
		payments stripeOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger API, metrics and payment webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := a.newServer(payments)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Msg("listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	stripeFlags(cmd, &payments)
	return cmd
}

func stripeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stripe",
		Short: "Stripe top-up operations",
	}

	var opts stripeOptions
	syncCmd := &cobra.Command{
		Use:   "sync <checkout-session-id>",
		Short: "Recharge a paid Checkout Session whose webhook was missed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.enabled() {
				return fmt.Errorf("--stripe-api-key or STRIPE_API_KEY is required")
			}
			provider, err := a.stripeProvider(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			applied, err := provider.SyncSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"session_id": args[0],
				"applied":    applied,
			})
		},
	}
	stripeFlags(syncCmd, &opts)

	cmd.AddCommand(syncCmd)
	return cmd
}
