package app

import (
	"context"

	"docmigrate/internal/driver"
	"docmigrate/internal/worker"

	"go.uber.org/zap"
)

// Batcher reads the source container and groups its records into batches
type Batcher struct {
	src       driver.Container
	batchSize int
	pageSize  int
	logger    *zap.Logger
}

// NewBatcher creates a batcher emitting batches of batchSize records
func NewBatcher(src driver.Container, batchSize, pageSize int, logger *zap.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		src:       src,
		batchSize: batchSize,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Stream sends every source record to batches and closes it. Only the last batch may be
// smaller than the batch size and no batch is empty. A source read error is fatal to the run.
func (b *Batcher) Stream(ctx context.Context, batches chan<- worker.Batch) error {
	defer close(batches)

	readCtx, cancel := context.WithCancel(ctx)
	recCh, errCh := b.src.ReadAll(readCtx, b.pageSize)
	defer func() {
		cancel()
		for range recCh {
		}
	}()

	var (
		seq   int
		total int64
		buf   = make([]driver.Record, 0, b.batchSize)
	)

	for rec := range recCh {
		total++
		buf = append(buf, rec)
		if len(buf) < b.batchSize {
			continue
		}

		if err := b.send(ctx, batches, worker.Batch{Seq: seq, Records: buf}); err != nil {
			return err
		}
		seq++
		buf = make([]driver.Record, 0, b.batchSize)
	}

	if err := <-errCh; err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return driver.Fatal("read", err)
	}

	if len(buf) > 0 {
		if err := b.send(ctx, batches, worker.Batch{Seq: seq, Records: buf}); err != nil {
			return err
		}
		seq++
	}

	b.logger.Info("Finished reading source",
		zap.Int64("total_records", total),
		zap.Int("batches", seq),
	)
	return nil
}

func (b *Batcher) send(ctx context.Context, batches chan<- worker.Batch, batch worker.Batch) error {
	select {
	case batches <- batch:
		b.logger.Debug("Enqueued batch", zap.Int("batch", batch.Seq), zap.Int("records", len(batch.Records)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
