package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"docmigrate/internal/driver"
	"docmigrate/internal/metrics"
	"docmigrate/internal/progress"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Pool manages a pool of workers draining a batch channel into the destination
type Pool struct {
	size    int
	config  Config
	dst     driver.Container
	run     *progress.Run
	metrics *metrics.Collector
	logger  *zap.Logger
	limiter *rate.Limiter

	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	config Config,
	dst driver.Container,
	run *progress.Run,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.MaxWritesPerSecond > 0 {
		burst := int(config.MaxWritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.MaxWritesPerSecond), burst)
	}

	return &Pool{
		size:    size,
		config:  config,
		dst:     dst,
		run:     run,
		metrics: metricsCollector,
		logger:  logger,
		limiter: limiter,
		abortCh: make(chan struct{}),
	}
}

// Run starts the workers and blocks until batches is drained, ctx is cancelled or a record fails fatally.
// Cancellation is observed between batches; a fatal error stops every worker before its next record.
// The returned error is ctx.Err() on cancellation or the first fatal error.
func (p *Pool) Run(ctx context.Context, batches <-chan Batch) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.worker(gctx, id, batches)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Abort stops all workers before their next record
func (p *Pool) Abort() {
	p.abortOnce.Do(func() {
		p.aborted.Store(true)
		close(p.abortCh)
	})
}

func (p *Pool) worker(ctx context.Context, id int, batches <-chan Batch) error {
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := NewRecordProcessor(p.config, p.dst, p.limiter, p.abortCh, p.metrics, logger)
	// Writes already started are allowed to finish after cancellation.
	ioCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			logger.Debug("Worker stopped - context cancelled")
			return nil
		}

		select {
		case batch, ok := <-batches:
			if !ok {
				logger.Debug("Worker finished - no more batches")
				return nil
			}
			if err := p.processBatch(ioCtx, processor, batch, logger); err != nil {
				return err
			}

		case <-p.abortCh:
			logger.Debug("Worker stopped - run aborted")
			return nil

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return nil
		}
	}
}

func (p *Pool) processBatch(ctx context.Context, processor *RecordProcessor, batch Batch, logger *zap.Logger) error {
	p.metrics.IncInflightWorkers()
	defer p.metrics.DecInflightWorkers()

	perRecord := p.config.ProgressEvery != ProgressEveryBatch

	for _, rec := range batch.Records {
		if p.aborted.Load() {
			return nil
		}

		res := processor.Process(ctx, rec)
		switch res.Status {
		case StatusCreated:
			p.run.RecordMigrated(perRecord)
		case StatusSkipped:
			p.run.RecordSkipped(rec.ID, rec.PartitionKey, res.Reason)
		case StatusFailed:
			if res.Aborted() {
				return nil
			}
			if res.Fatal() {
				p.Abort()
				logger.Error("Fatal error, aborting run",
					zap.Int("batch", batch.Seq),
					zap.String("record_id", rec.ID),
					zap.Error(res.Err),
				)
				return fmt.Errorf("record %s: %w", rec.ID, res.Err)
			}
			p.run.RecordFailed(rec.ID, rec.PartitionKey, res.Err)
		}
	}

	if !perRecord {
		p.run.EmitProgress()
	}
	return nil
}
