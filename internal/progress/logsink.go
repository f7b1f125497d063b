package progress

import (
	"docmigrate/internal/ledger"

	"go.uber.org/zap"
)

// LogSink writes the events of sub to logger until the subscription ends. The returned
// channel is closed once every delivered event has been logged.
func LogSink(sub *Subscription, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range sub.C {
			logEvent(logger, ev)
		}
	}()

	return done
}

func logEvent(logger *zap.Logger, ev Event) {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.Uint64("seq", ev.Seq),
		zap.Int64("migrated", ev.Migrated),
		zap.Int64("skipped", ev.Skipped),
		zap.Int64("failed", ev.Failed),
		zap.Float64("percentage", ev.Percentage),
	}

	switch ev.Type {
	case EventRunStarted:
		logger.Info("Migration started", append(fields, zap.Int64("source_count", ev.SourceCount))...)
	case EventItemMigrated:
		logger.Debug("Migrating items", append(fields,
			zap.Int64("index", ev.Index),
			zap.Int64("total", ev.Total),
			zap.Float64("items_per_second", ev.Rate),
		)...)
	case EventItemSkipped:
		fields = append(fields, zap.String("record_id", ev.RecordID), zap.String("reason", string(ev.Reason)))
		if ev.Reason == ledger.ReasonPermanentFailure {
			logger.Warn("Record not migrated", fields...)
		} else {
			logger.Info("Record skipped", fields...)
		}
	case EventRunCompleted:
		logger.Info("Data migration completed", append(fields, zap.Duration("duration", ev.Duration))...)
	case EventRunFailed:
		logger.Error("Data migration failed", append(fields, zap.String("error", ev.Error))...)
	case EventValidationCompleted:
		if ev.Validation == nil {
			return
		}
		vf := []zap.Field{
			zap.String("run_id", ev.RunID),
			zap.Bool("matched", ev.Validation.Matched),
			zap.Int64("source_count", ev.Validation.SourceCount),
			zap.Int64("destination_count", ev.Validation.DestinationCount),
			zap.Int("missing", len(ev.Validation.Missing)),
		}
		if ev.Validation.Matched {
			logger.Info(ev.Validation.Message, vf...)
		} else {
			logger.Error(ev.Validation.Message, vf...)
		}
		if ev.Validation.MembershipChecked {
			if len(ev.Validation.Missing) == 0 {
				logger.Info(ev.Validation.MembershipMessage, vf...)
			} else {
				logger.Error(ev.Validation.MembershipMessage, vf...)
			}
		}
	}
}
