// Command creditctl administers a file-backed credit ledger.
//
// Usage:
//
//	creditctl balance user123
//	creditctl recharge --user user123 --amount 50 --note "support refund"
//	creditctl recharge --all --amount 5
//	creditctl history --page 1 --size 20
//	creditctl jobs list --user user123
//	creditctl serve --addr :8080 --stripe-pack price_credits_50=50
//	creditctl stripe sync cs_test_123
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gocredit/pkg/credit"
	zerologadapter "github.com/mihaimyh/gocredit/pkg/credit/logger/zerolog"
	prommetrics "github.com/mihaimyh/gocredit/pkg/credit/metrics/prometheus"
	"github.com/mihaimyh/gocredit/storage/document"
	"github.com/mihaimyh/gocredit/storage/file"
)

// Version is set during build
var Version = "dev"

const (
	defaultDataDir = "./data"
	metricsPrefix  = "gocredit"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	dataDir    string
	operator   string
	verbose    bool

	log      zerolog.Logger
	registry *prometheus.Registry
	manager  *credit.Manager
}

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Administer a pay-per-use credit ledger",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if a.verbose {
				level = zerolog.DebugLevel
			}
			a.log = zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.RFC3339}).
				Level(level).With().Timestamp().Logger()
			return a.open()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("GOCREDIT_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "ledger directory (overrides data_dir)")
	rootCmd.PersistentFlags().StringVar(&a.operator, "operator", getEnv("USER", "cli"), "operator recorded on recharges")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(balanceCmd(a), rechargeCmd(a), historyCmd(a), jobsCmd(a), serveCmd(a), stripeCmd(a))
	return rootCmd
}

// open loads the configuration and builds the manager over the file backend.
func (a *app) open() error {
	fc := credit.FileConfig{}
	if a.configPath != "" {
		var err error
		fc, err = credit.LoadConfig(a.configPath)
		if err != nil {
			return err
		}
	}
	cfg, err := fc.ToConfig()
	if err != nil {
		return err
	}

	dir := a.dataDir
	if dir == "" {
		dir = fc.DataDir
	}
	if dir == "" {
		dir = defaultDataDir
	}

	logger := zerologadapter.NewLogger(a.log)
	a.registry = prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(a.registry, metricsPrefix)
	cfg.Logger = logger
	cfg.Metrics = metrics

	backend, err := file.New(file.Config{Dir: dir})
	if err != nil {
		return err
	}
	store, err := document.New(backend, document.Config{Indent: true, Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	a.manager, err = credit.NewManager(store, &cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	a.log.Debug().Str("data_dir", dir).Msg("ledger opened")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
