package progress

import (
	"fmt"
	"sync"
	"time"

	"docmigrate/internal/ledger"

	"go.uber.org/zap"
)

// State is the lifecycle stage of a run
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

const maxErrors = 1000

// Status is a consistent snapshot of a run
type Status struct {
	RunID         string             `json:"run_id"`
	State         State              `json:"state"`
	SourceCount   int64              `json:"source_count"`
	Migrated      int64              `json:"migrated"`
	Skipped       int64              `json:"skipped"`
	Failed        int64              `json:"failed"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at,omitempty"`
	Percentage    float64            `json:"percentage"`
	Rate          float64            `json:"rate"`
	ETA           time.Duration      `json:"eta"`
	Errors        []string           `json:"errors,omitempty"`
	ErrorsDropped int                `json:"errors_dropped,omitempty"`
	Validation    *ValidationSummary `json:"validation,omitempty"`
}

// Processed is the number of records that reached a final outcome
func (s Status) Processed() int64 {
	return s.Migrated + s.Skipped + s.Failed
}

// Elapsed is the run time so far, or the total once finished
func (s Status) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Run is the aggregate state of one migration. Every mutation, ledger append and event
// emission happens under one mutex, so counters and event order agree.
type Run struct {
	mu       sync.Mutex
	status   Status
	seq      uint64
	seen     map[string]struct{}
	ledger   ledger.Store
	reporter *Reporter
	logger   *zap.Logger
	now      func() time.Time
}

// NewRun creates the state for runID. store and reporter may be nil.
func NewRun(runID string, store ledger.Store, reporter *Reporter, logger *zap.Logger) *Run {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Run{
		status: Status{
			RunID: runID,
			State: StatePending,
		},
		seen:     make(map[string]struct{}),
		ledger:   store,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// ID returns the run identifier
func (r *Run) ID() string {
	return r.status.RunID
}

// Start records the source count and emits run_started
func (r *Run) Start(sourceCount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.State = StateRunning
	r.status.SourceCount = sourceCount
	r.status.StartedAt = r.now()
	r.refresh()

	ev := r.event(EventRunStarted)
	ev.SourceCount = sourceCount
	r.emit(ev)
}

// RecordMigrated counts one migrated record. With emit set an item_migrated event follows.
func (r *Run) RecordMigrated(emit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Migrated++
	r.refresh()
	if emit {
		r.emitItemMigrated()
	}
}

// RecordSkipped counts a record that was already present and appends it to the ledger
func (r *Run) RecordSkipped(recordID, partitionKey string, reason ledger.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Skipped++
	r.refresh()
	r.appendLedger(recordID, partitionKey, reason, "")

	ev := r.event(EventItemSkipped)
	ev.RecordID = recordID
	ev.Reason = reason
	r.emit(ev)
}

// RecordFailed counts a record whose retries were exhausted and appends it to the ledger
func (r *Run) RecordFailed(recordID, partitionKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Failed++
	r.refresh()

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.appendLedger(recordID, partitionKey, ledger.ReasonPermanentFailure, detail)
	r.addError(fmt.Sprintf("record %s: %s", recordID, detail))

	ev := r.event(EventItemSkipped)
	ev.RecordID = recordID
	ev.Reason = ledger.ReasonPermanentFailure
	r.emit(ev)
}

// EmitProgress emits an item_migrated event for the current counters
func (r *Run) EmitProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitItemMigrated()
}

// Complete marks a normal finish and emits run_completed at 100 percent
func (r *Run) Complete() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.State = StateCompleted
	r.status.FinishedAt = r.now()
	r.refresh()
	r.status.Percentage = 100
	r.status.ETA = 0

	ev := r.event(EventRunCompleted)
	ev.Duration = r.status.FinishedAt.Sub(r.status.StartedAt)
	r.emit(ev)

	return r.snapshot()
}

// Fail marks the run as aborted, keeping the counters, and emits run_failed
func (r *Run) Fail(err error, cancelled bool) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	neverStarted := r.status.State == StatePending
	r.status.State = StateFailed
	if cancelled {
		r.status.State = StateCancelled
	}
	r.status.FinishedAt = r.now()
	if r.status.StartedAt.IsZero() {
		r.status.StartedAt = r.status.FinishedAt
	}
	r.refresh()
	if neverStarted {
		r.status.Percentage = 0
	}

	msg := "migration failed"
	if err != nil {
		msg = err.Error()
	}
	r.addError(msg)

	ev := r.event(EventRunFailed)
	ev.Error = msg
	r.emit(ev)

	return r.snapshot()
}

// SetValidation stores the validation outcome and emits validation_completed
func (r *Run) SetValidation(v ValidationSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Validation = &v
	ev := r.event(EventValidationCompleted)
	ev.Validation = &v
	r.emit(ev)
}

// Snapshot returns a copy of the current status
func (r *Run) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State == StateRunning {
		r.refresh()
	}
	return r.snapshot()
}

func (r *Run) snapshot() Status {
	s := r.status
	s.Errors = append([]string(nil), r.status.Errors...)
	if r.status.Validation != nil {
		v := *r.status.Validation
		s.Validation = &v
	}
	return s
}

// refresh recomputes the derived fields. Must be called with the lock held.
func (r *Run) refresh() {
	s := &r.status
	processed := s.Processed()
	s.Percentage = Percentage(processed, s.SourceCount)

	end := r.now()
	if !s.FinishedAt.IsZero() {
		end = s.FinishedAt
	}
	elapsed := end.Sub(s.StartedAt)
	if s.StartedAt.IsZero() || elapsed <= 0 {
		s.Rate = 0
		s.ETA = 0
		return
	}

	s.Rate = float64(processed) / elapsed.Seconds()
	remaining := s.SourceCount - processed
	if s.Rate > 0 && remaining > 0 {
		s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second))
	} else {
		s.ETA = 0
	}
}

// Percentage is processed/total*100 clamped to [0,100]; an empty source is complete
func Percentage(processed, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(processed) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (r *Run) emitItemMigrated() {
	ev := r.event(EventItemMigrated)
	ev.Index = r.status.Processed()
	ev.Total = r.status.SourceCount
	r.emit(ev)
}

func (r *Run) appendLedger(recordID, partitionKey string, reason ledger.Reason, detail string) {
	key := partitionKey + "\x00" + recordID
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}

	if r.ledger == nil {
		return
	}
	err := r.ledger.Append(ledger.Entry{
		RunID:        r.status.RunID,
		RecordID:     recordID,
		PartitionKey: partitionKey,
		Reason:       reason,
		Detail:       detail,
		Timestamp:    r.now(),
	})
	if err != nil {
		r.logger.Error("Failed to append skip ledger entry",
			zap.String("record_id", recordID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		r.addError(fmt.Sprintf("ledger append for %s: %v", recordID, err))
	}
}

func (r *Run) addError(msg string) {
	if len(r.status.Errors) >= maxErrors {
		r.status.ErrorsDropped++
		return
	}
	r.status.Errors = append(r.status.Errors, msg)
}

func (r *Run) event(t EventType) Event {
	r.seq++
	return Event{
		RunID:      r.status.RunID,
		Seq:        r.seq,
		Type:       t,
		Time:       r.now(),
		Migrated:   r.status.Migrated,
		Skipped:    r.status.Skipped,
		Failed:     r.status.Failed,
		Percentage: r.status.Percentage,
		Rate:       r.status.Rate,
	}
}

func (r *Run) emit(ev Event) {
	if r.reporter != nil {
		r.reporter.Report(ev)
	}
}
