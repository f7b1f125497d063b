package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status is the outcome of migrating one record
type Status int

const (
	StatusCreated Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WriteResult is what happened to one record. Reason is set for skipped records, Err for failed ones.
type WriteResult struct {
	Status   Status
	Reason   ledger.Reason
	Err      error
	Attempts int
}

// Fatal reports whether the failure must abort the whole run
func (r WriteResult) Fatal() bool {
	return r.Status == StatusFailed && driver.Classify(r.Err) == driver.ClassFatal
}

// Aborted reports whether the record was abandoned because the run is stopping
func (r WriteResult) Aborted() bool {
	return r.Status == StatusFailed && errors.Is(r.Err, errAborted)
}

// RecordProcessor migrates individual records into the destination
type RecordProcessor struct {
	config  Config
	policy  RetryPolicy
	dst     driver.Container
	limiter *rate.Limiter
	abort   <-chan struct{}
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewRecordProcessor creates a processor writing to dst. limiter and abort may be nil.
func NewRecordProcessor(config Config, dst driver.Container, limiter *rate.Limiter, abort <-chan struct{}, metricsCollector *metrics.Collector, logger *zap.Logger) *RecordProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordProcessor{
		config:  config,
		policy:  config.RetryPolicy(),
		dst:     dst,
		limiter: limiter,
		abort:   abort,
		metrics: metricsCollector,
		logger:  logger,
	}
}

// Process migrates a single record: an optional existence check, then create or upsert, each retried on
// transient errors. ctx should not be the run's cancellable context so an in-flight write can finish.
func (p *RecordProcessor) Process(ctx context.Context, rec driver.Record) WriteResult {
	startTime := time.Now()
	defer func() {
		p.metrics.ObserveDuration(time.Since(startTime))
	}()

	attempts := 0

	if p.config.SkipExisting {
		var exists bool
		n, err := p.retry(rec, "exists", func() error {
			var err error
			exists, err = p.dst.Exists(ctx, rec)
			return err
		})
		attempts += n
		if err != nil {
			return p.failed(rec, err, attempts)
		}
		if exists {
			p.logger.Debug("Skipping existing record", zap.String("record_id", rec.ID))
			return WriteResult{Status: StatusSkipped, Reason: ledger.ReasonAlreadyExists, Attempts: attempts}
		}
	}

	n, err := p.retry(rec, p.config.WriteMode, func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if p.config.WriteMode == WriteModeUpsert {
			return p.dst.Upsert(ctx, rec)
		}
		return p.dst.Create(ctx, rec)
	})
	attempts += n

	switch driver.Classify(err) {
	case driver.ClassNone:
		p.logger.Debug("Record migrated",
			zap.String("record_id", rec.ID),
			zap.Int("attempts", attempts),
			zap.Duration("duration", time.Since(startTime)),
		)
		return WriteResult{Status: StatusCreated, Attempts: attempts}
	case driver.ClassConflict:
		p.logger.Debug("Record created concurrently", zap.String("record_id", rec.ID))
		return WriteResult{Status: StatusSkipped, Reason: ledger.ReasonConflict, Attempts: attempts}
	default:
		return p.failed(rec, err, attempts)
	}
}

func (p *RecordProcessor) failed(rec driver.Record, err error, attempts int) WriteResult {
	if !errors.Is(err, errAborted) {
		p.logger.Error("Record failed after all retries",
			zap.String("record_id", rec.ID),
			zap.String("partition_key", rec.PartitionKey),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	return WriteResult{Status: StatusFailed, Err: err, Attempts: attempts}
}

// retry runs op until it succeeds, fails with a non-transient error or runs out of attempts
func (p *RecordProcessor) retry(rec driver.Record, op string, fn func() error) (int, error) {
	maxAttempts := p.policy.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !driver.IsRetriable(err) {
			return attempt, err
		}

		if attempt >= maxAttempts {
			return attempt, fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		backoff := p.policy.Backoff(attempt)
		p.logger.Warn("Record attempt failed",
			zap.String("record_id", rec.ID),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		if err := sleep(backoff, p.abort); err != nil {
			return attempt, err
		}
	}
}
