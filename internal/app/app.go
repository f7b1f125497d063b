package app

import (
	"context"
	"errors"
	"fmt"

	"docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/metrics"
	"docmigrate/internal/progress"
	"docmigrate/internal/validate"
	"docmigrate/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCancelled is returned by Run when the migration was stopped before it finished
var ErrCancelled = errors.New("migration cancelled")

// Params describes one migration
type Params struct {
	RunID       string
	Source      driver.ConnectionConfig
	Destination driver.ConnectionConfig
	Migration   config.Migration
}

// Migrator represents one migration run from a source to a destination container
type Migrator struct {
	runID    string
	settings config.Migration
	src      driver.Container
	dst      driver.Container
	ledger   ledger.Store
	reporter *progress.Reporter
	run      *progress.Run
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New connects to the containers described by cfg and prepares a migration
func New(ctx context.Context, cfg *config.Config, metricsCollector *metrics.Collector, logger *zap.Logger) (*Migrator, error) {
	return Open(ctx, driver.Open, Params{
		RunID:       cfg.Migration.RunID,
		Source:      cfg.Source,
		Destination: cfg.Destination,
		Migration:   cfg.Migration,
	}, metricsCollector, logger)
}

// Open connects through opener and prepares a migration. Connection failures are returned as
// *driver.ConnectionError before any run state exists.
func Open(ctx context.Context, opener driver.Opener, p Params, metricsCollector *metrics.Collector, logger *zap.Logger) (*Migrator, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Connecting to containers",
		zap.String("run_id", p.RunID),
		zap.Object("source", p.Source),
		zap.Object("destination", p.Destination),
	)

	// Create source container
	src, err := opener(ctx, p.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source: %w", asConnectionError(p.Source, err))
	}

	// Create destination container
	dst, err := opener(ctx, p.Destination)
	if err != nil {
		src.Close(ctx)
		return nil, fmt.Errorf("failed to connect to destination: %w", asConnectionError(p.Destination, err))
	}

	// Create skip ledger
	store, err := ledger.Open(p.Migration.LedgerBackend, p.Migration.LedgerPath, p.RunID)
	if err != nil {
		src.Close(ctx)
		dst.Close(ctx)
		return nil, fmt.Errorf("failed to open skip ledger: %w", err)
	}

	return NewMigrator(p.RunID, src, dst, store, p.Migration, metricsCollector, logger), nil
}

func asConnectionError(cfg driver.ConnectionConfig, err error) error {
	var connErr *driver.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &driver.ConnectionError{Endpoint: cfg.Endpoint, Err: err}
}

// NewMigrator creates a migrator over already opened containers. store and metricsCollector may be nil.
func NewMigrator(
	runID string,
	src driver.Container,
	dst driver.Container,
	store ledger.Store,
	settings config.Migration,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))
	reporter := progress.NewReporter(logger)

	return &Migrator{
		runID:    runID,
		settings: settings,
		src:      src,
		dst:      dst,
		ledger:   store,
		reporter: reporter,
		run:      progress.NewRun(runID, store, reporter, logger),
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// ID returns the run identifier
func (m *Migrator) ID() string {
	return m.runID
}

// Progress returns the live run state
func (m *Migrator) Progress() *progress.Run {
	return m.run
}

// Subscribe returns a subscription to the run's events
func (m *Migrator) Subscribe(buffer int) *progress.Subscription {
	return m.reporter.Subscribe(buffer)
}

// Ledger returns the run's skip ledger, nil when none is attached
func (m *Migrator) Ledger() ledger.Store {
	return m.ledger
}

// Run executes the migration. It returns the final status together with ErrCancelled when ctx was
// cancelled, the fatal error that aborted the run, or nil when every record reached an outcome.
// Validation only follows a normal finish.
func (m *Migrator) Run(ctx context.Context) (progress.Status, error) {
	m.logger.Info("Starting migration",
		zap.Int("batch_size", m.settings.BatchSize),
		zap.Int("max_workers", m.settings.MaxWorkers),
		zap.String("write_mode", m.settings.WriteMode),
		zap.Bool("skip_existing", m.settings.SkipExisting),
	)

	logDone := progress.LogSink(m.reporter.Subscribe(0), m.logger)
	var metricsDone <-chan struct{}
	if m.metrics != nil {
		metricsDone = m.metrics.Consume(m.reporter.Subscribe(0))
	}
	defer func() {
		m.reporter.Close()
		<-logDone
		if metricsDone != nil {
			<-metricsDone
		}
		m.metrics.AddDropped(m.reporter.Dropped())
	}()

	sourceCount, err := m.src.Count(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return m.run.Fail(ErrCancelled, true), ErrCancelled
		}
		err = fmt.Errorf("failed to count source records: %w", err)
		return m.run.Fail(err, false), err
	}
	m.run.Start(sourceCount)

	err = m.migrate(ctx)

	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		m.logger.Warn("Migration cancelled")
		return m.run.Fail(ErrCancelled, true), ErrCancelled
	case err != nil:
		return m.run.Fail(err, false), err
	}

	m.run.Complete()

	if m.settings.VerifyCounts {
		m.validate(ctx, sourceCount)
	}

	return m.run.Snapshot(), nil
}

// migrate runs the batcher and the worker pool until both have returned
func (m *Migrator) migrate(ctx context.Context) error {
	batches := make(chan worker.Batch, m.settings.MaxWorkers)

	batcher := NewBatcher(m.src, m.settings.BatchSize, m.settings.ReadPageSize, m.logger)
	pool := worker.NewPool(m.settings.MaxWorkers, m.settings.WorkerConfig(), m.dst, m.run, m.metrics, m.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return batcher.Stream(gctx, batches)
	})
	g.Go(func() error {
		return pool.Run(gctx, batches)
	})

	return g.Wait()
}

func (m *Migrator) validate(ctx context.Context, sourceCount int64) {
	validator := validate.New(m.src, m.dst, validate.Options{
		Membership:  m.settings.ValidateMembership,
		SampleLimit: m.settings.MembershipSampleLimit,
		PageSize:    m.settings.ReadPageSize,
	}, m.logger)

	res, err := validator.Validate(ctx, sourceCount)
	if err != nil {
		m.logger.Error("Validation failed", zap.Error(err))
		return
	}
	m.run.SetValidation(res.Summary())
}

// Close cleans up resources
func (m *Migrator) Close(ctx context.Context) error {
	var errs []error
	if m.ledger != nil {
		if err := m.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if err := m.src.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if err := m.dst.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close destination: %w", err))
	}
	return errors.Join(errs...)
}
