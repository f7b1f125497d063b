package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docmigrate/internal/api"
	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/logger"
	"docmigrate/internal/metrics"
	"docmigrate/internal/progress"
	"docmigrate/internal/validate"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "docmigrate",
	Short: "Copy every record of a document-store container into another container",
	Long: `A concurrent, restartable container migration tool. Records already present in the destination are
skipped and listed in a skip ledger, transient errors are retried with backoff, and the record counts
are compared once the copy finishes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for starting and watching migrations",
	RunE:  runServe,
}

var skippedCmd = &cobra.Command{
	Use:   "skipped",
	Short: "Print the skip ledger of a run (requires --run-id)",
	RunE:  runSkipped,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare the record counts of source and destination without migrating",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with SOURCE_* and DESTINATION_* variables")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd, skippedCmd, validateCmd)
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, envFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.ValidateConnections(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	metricsCollector := metrics.New()
	if cfg.Server.MetricsListen != "" {
		go func() {
			if err := metricsCollector.StartServer(cfg.Server.MetricsListen); err != nil {
				log.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	// Create application
	migrator, err := app.New(ctx, cfg, metricsCollector, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	var display *progress.Display
	if cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(migrator.Progress(), os.Stdout, 2*time.Second)
		display.Start()
		log.Info("Progress display enabled")
	}

	status, err := migrator.Run(ctx)

	if display != nil {
		display.Stop()
	}

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(context.Background()); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	if status.Validation != nil {
		fmt.Fprintln(cmd.OutOrStdout(), status.Validation.Message)
		if status.Validation.MembershipChecked {
			fmt.Fprintln(cmd.OutOrStdout(), status.Validation.MembershipMessage)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s, migrated %d, skipped %d, failed %d\n",
		status.RunID, status.State, status.Migrated, status.Skipped, status.Failed)

	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	metricsCollector := metrics.New()
	manager := app.NewManager(driver.Open, cfg.Migration, metricsCollector, log)
	server := api.New(manager, metricsCollector, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Listen)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("Error shutting down HTTP server", zap.Error(shutdownErr))
	}
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("Error waiting for migrations to stop", zap.Error(shutdownErr))
	}

	return err
}

func runSkipped(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Migration.RunID == "" {
		return fmt.Errorf("--run-id is required")
	}

	entries, err := ledger.Read(cfg.Migration.LedgerBackend, cfg.Migration.LedgerPath, cfg.Migration.RunID)
	if err != nil {
		return fmt.Errorf("failed to read skip ledger: %w", err)
	}

	for _, entry := range entries {
		fmt.Fprintln(cmd.OutOrStdout(), ledger.FormatLine(entry))
	}
	log.Debug("Printed skip ledger", zap.String("run_id", cfg.Migration.RunID), zap.Int("entries", len(entries)))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.ValidateConnections(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	src, err := driver.Open(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	defer src.Close(context.Background())

	dst, err := driver.Open(ctx, cfg.Destination)
	if err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}
	defer dst.Close(context.Background())

	sourceCount, err := src.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count source records: %w", err)
	}

	validator := validate.New(src, dst, validate.Options{
		Membership:  cfg.Migration.ValidateMembership,
		SampleLimit: cfg.Migration.MembershipSampleLimit,
		PageSize:    cfg.Migration.ReadPageSize,
	}, log)

	res, err := validator.Validate(ctx, sourceCount)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	if res.MembershipChecked {
		fmt.Fprintln(cmd.OutOrStdout(), res.MembershipMessage)
	}
	for _, id := range res.Missing {
		fmt.Fprintf(cmd.OutOrStdout(), "missing: %s\n", id)
	}
	if !res.Matched || res.HasMissing() {
		return fmt.Errorf("destination does not match source")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
