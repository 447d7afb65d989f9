// Package cli provides the command-line interface for omnisync.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/config"
	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose      bool
	outputFormat string

	// Global config, identity and transport
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	user      *identity.CurrentUser
	apiClient *client.Client
	registry  *prometheus.Registry
	collector *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "omnisync",
	Short: "Terminal client for the demand forecasting service",
	Long: `Omnisync keeps a live view of the forecasting service: upload input files,
share insights, start and publish forecasts and follow your charts.

The service address is read from OMNISYNC_API_URL (default http://localhost:8000).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if err := validateFormat(outputFormat); err != nil {
			return err
		}

		cfg = config.Load()

		level, stderrLevel := cfg.LogLevel, slog.LevelWarn
		if verbose {
			level, stderrLevel = slog.LevelDebug, slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level, stderrLevel)
		slog.SetDefault(logger)

		user = identity.NewCurrentUser()
		if err := user.Load(cfg.CredentialsFile); err != nil && !errors.Is(err, identity.ErrNoCredentials) {
			return fmt.Errorf("load credentials: %w", err)
		}

		registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(registry)
		apiClient = client.New(cfg.APIURL, user,
			client.WithTimeout(cfg.ClientTimeout),
			client.WithLogger(logger),
			client.WithMetrics(collector),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newStores builds the caches for one command invocation.
func newStores(ctx context.Context) *store.Stores {
	return store.New(ctx, apiClient, user, store.Options{
		PollInterval:    cfg.PollInterval,
		MaxPollFailures: cfg.MaxPollFailures,
		Logger:          logger,
		Metrics:         collector,
	})
}

// requireLogin fails commands that act on behalf of a user.
func requireLogin() error {
	if !user.IsLoggedIn() {
		return errors.New("not logged in, run 'omnisync login' first")
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable, "output format: table, yaml or json")

	// Add subcommands
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(inputsCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(forecastCmd)
	rootCmd.AddCommand(chartsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
}
