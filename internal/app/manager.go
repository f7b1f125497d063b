package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/metrics"
	"docmigrate/internal/progress"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunActive is returned when a migration into the same destination is still running
	ErrRunActive = errors.New("a migration is already running for this destination")
	// ErrRunNotFound is returned for unknown run ids
	ErrRunNotFound = errors.New("migration run not found")
	// ErrInvalidRequest wraps validation failures of a StartRequest
	ErrInvalidRequest = errors.New("invalid migration request")
)

// StartRequest describes a migration to start
type StartRequest struct {
	RunID       string                  `json:"run_id,omitempty"`
	Source      driver.ConnectionConfig `json:"source"`
	Destination driver.ConnectionConfig `json:"destination"`
	Migration   config.Migration        `json:"migration"`
}

// RunInfo is the externally visible state of a managed run
type RunInfo struct {
	progress.Status
	Source      driver.ConnectionConfig `json:"source"`
	Destination driver.ConnectionConfig `json:"destination"`
	Done        bool                    `json:"done"`
}

type managedRun struct {
	migrator    *Migrator
	source      driver.ConnectionConfig
	destination driver.ConnectionConfig
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager starts migrations in the background and tracks them by run id. At most one run per
// destination container is active at a time.
type Manager struct {
	mu       sync.Mutex
	opener   driver.Opener
	defaults config.Migration
	metrics  *metrics.Collector
	logger   *zap.Logger
	runs     map[string]*managedRun
	order    []string
	active   map[string]string
	wg       sync.WaitGroup
}

// NewManager creates a manager connecting through opener. defaults fill a request's migration
// settings and always decide where the skip ledger lives.
func NewManager(opener driver.Opener, defaults config.Migration, metricsCollector *metrics.Collector, logger *zap.Logger) *Manager {
	if opener == nil {
		opener = driver.Open
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opener:   opener,
		defaults: defaults,
		metrics:  metricsCollector,
		logger:   logger,
		runs:     make(map[string]*managedRun),
		active:   make(map[string]string),
	}
}

// NewRequest returns a request carrying the default migration settings
func (m *Manager) NewRequest() StartRequest {
	return StartRequest{Migration: m.defaults}
}

// Start validates req, connects to both containers and runs the migration in the background.
// It returns the new run id, ErrRunActive, an ErrInvalidRequest or a *driver.ConnectionError.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	req.Migration.LedgerBackend = m.defaults.LedgerBackend
	req.Migration.LedgerPath = m.defaults.LedgerPath

	if err := validateRequest(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	key := req.Destination.Key()

	// Reserve the destination before connecting so concurrent starts cannot both pass
	m.mu.Lock()
	if _, busy := m.active[key]; busy {
		m.mu.Unlock()
		return "", ErrRunActive
	}
	if existing, ok := m.runs[runID]; ok && !isDone(existing) {
		m.mu.Unlock()
		return "", ErrRunActive
	}
	m.active[key] = runID
	m.mu.Unlock()

	migrator, err := Open(ctx, m.opener, Params{
		RunID:       runID,
		Source:      req.Source,
		Destination: req.Destination,
		Migration:   req.Migration,
	}, m.metrics, m.logger)
	if err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	mr := &managedRun{
		migrator:    migrator,
		source:      req.Source.Redacted(),
		destination: req.Destination.Redacted(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.runs[runID]; !ok {
		m.order = append(m.order, runID)
	}
	m.runs[runID] = mr
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(runCtx, key, mr)

	return runID, nil
}

func (m *Manager) execute(ctx context.Context, key string, mr *managedRun) {
	defer m.wg.Done()
	defer close(mr.done)
	defer mr.cancel()

	runID := mr.migrator.ID()
	status, err := mr.migrator.Run(ctx)
	if err != nil {
		m.logger.Warn("Migration run ended with error",
			zap.String("run_id", runID),
			zap.String("state", string(status.State)),
			zap.Error(err),
		)
	}

	if closeErr := mr.migrator.Close(context.Background()); closeErr != nil {
		m.logger.Error("Error closing migrator", zap.String("run_id", runID), zap.Error(closeErr))
	}

	m.mu.Lock()
	if m.active[key] == runID {
		delete(m.active, key)
	}
	m.mu.Unlock()
}

func validateRequest(req StartRequest) error {
	if err := req.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := req.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if req.Source.Key() == req.Destination.Key() {
		return fmt.Errorf("source and destination must be different containers")
	}
	return req.Migration.Validate()
}

func isDone(mr *managedRun) bool {
	select {
	case <-mr.done:
		return true
	default:
		return false
	}
}

func (m *Manager) lookup(runID string) (*managedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mr, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return mr, nil
}

func (mr *managedRun) info() RunInfo {
	return RunInfo{
		Status:      mr.migrator.Progress().Snapshot(),
		Source:      mr.source,
		Destination: mr.destination,
		Done:        isDone(mr),
	}
}

// Get returns the state of one run
func (m *Manager) Get(runID string) (RunInfo, error) {
	mr, err := m.lookup(runID)
	if err != nil {
		return RunInfo{}, err
	}
	return mr.info(), nil
}

// List returns every known run in start order
func (m *Manager) List() []RunInfo {
	m.mu.Lock()
	runs := make([]*managedRun, 0, len(m.order))
	for _, id := range m.order {
		runs = append(runs, m.runs[id])
	}
	m.mu.Unlock()

	infos := make([]RunInfo, 0, len(runs))
	for _, mr := range runs {
		infos = append(infos, mr.info())
	}
	return infos
}

// Cancel asks a run to stop at the next batch boundary. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	mr, err := m.lookup(runID)
	if err != nil {
		return err
	}
	mr.cancel()
	return nil
}

// Done returns a channel closed once the run has finished and released its resources
func (m *Manager) Done(runID string) (<-chan struct{}, error) {
	mr, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return mr.done, nil
}

// Subscribe returns a subscription to the run's events and the status at subscription time.
// The subscription of a finished run is already closed.
func (m *Manager) Subscribe(runID string, buffer int) (*progress.Subscription, RunInfo, error) {
	mr, err := m.lookup(runID)
	if err != nil {
		return nil, RunInfo{}, err
	}
	sub := mr.migrator.Subscribe(buffer)
	return sub, mr.info(), nil
}

// Entries returns the skip ledger entries of a run
func (m *Manager) Entries(runID string) ([]ledger.Entry, error) {
	if _, err := m.lookup(runID); err != nil {
		return nil, err
	}
	return ledger.Read(m.defaults.LedgerBackend, m.defaults.LedgerPath, runID)
}

// Shutdown cancels every active run and waits for them to finish or ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, mr := range m.runs {
		mr.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
