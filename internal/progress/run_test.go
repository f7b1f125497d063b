package progress

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docmigrate/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 100.0, Percentage(0, 0))
	assert.Equal(t, 100.0, Percentage(5, 0))
	assert.Equal(t, 0.0, Percentage(0, 10))
	assert.Equal(t, 50.0, Percentage(5, 10))
	assert.Equal(t, 100.0, Percentage(12, 10))
	assert.Equal(t, 0.0, Percentage(-1, 10))
}

func TestRunCountsAndEvents(t *testing.T) {
	reporter := NewReporter(zaptest.NewLogger(t))
	sub := reporter.Subscribe(100)
	run := NewRun("run-1", nil, reporter, zaptest.NewLogger(t))

	run.Start(4)
	run.RecordMigrated(true)
	run.RecordSkipped("b", "b", ledger.ReasonAlreadyExists)
	run.RecordFailed("c", "c", errors.New("throttled"))
	run.RecordMigrated(true)
	status := run.Complete()

	assert.Equal(t, StateCompleted, status.State)
	assert.EqualValues(t, 2, status.Migrated)
	assert.EqualValues(t, 1, status.Skipped)
	assert.EqualValues(t, 1, status.Failed)
	assert.EqualValues(t, 4, status.Processed())
	assert.Equal(t, 100.0, status.Percentage)
	assert.Equal(t, []string{"record c: throttled"}, status.Errors)

	events := drain(sub)
	require.Len(t, events, 6)
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		assert.EqualValues(t, i+1, ev.Seq)
		assert.Equal(t, "run-1", ev.RunID)
	}
	assert.Equal(t, []EventType{
		EventRunStarted, EventItemMigrated, EventItemSkipped, EventItemSkipped, EventItemMigrated, EventRunCompleted,
	}, types)
	assert.EqualValues(t, 4, events[0].SourceCount)
	assert.EqualValues(t, 1, events[1].Index)
	assert.EqualValues(t, 4, events[1].Total)
	assert.Equal(t, ledger.ReasonPermanentFailure, events[3].Reason)
	assert.Equal(t, 100.0, events[5].Percentage)
}

func TestRunEmptySourceIsComplete(t *testing.T) {
	run := NewRun("r", nil, nil, nil)
	run.Start(0)
	assert.Equal(t, 100.0, run.Snapshot().Percentage)
}

func TestRunPercentageMonotonicUnderConcurrency(t *testing.T) {
	reporter := NewReporter(nil)
	sub := reporter.Subscribe(10000)
	run := NewRun("r", nil, reporter, nil)
	run.Start(1000)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 125; i++ {
				run.RecordMigrated(true)
			}
		}()
	}
	wg.Wait()
	run.Complete()

	events := drain(sub)
	last := -1.0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Percentage, last)
		last = ev.Percentage
	}
	assert.Equal(t, 100.0, last)
	assert.EqualValues(t, 1000, run.Snapshot().Migrated)
}

func TestRunLedgerTracksEachSkippedRecordOnce(t *testing.T) {
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "r.log"), "r")
	require.NoError(t, err)
	defer store.Close()

	run := NewRun("r", store, nil, nil)
	run.Start(3)
	run.RecordSkipped("a", "p", ledger.ReasonAlreadyExists)
	run.RecordSkipped("a", "p", ledger.ReasonConflict)
	run.RecordSkipped("a", "q", ledger.ReasonAlreadyExists)

	entries, err := store.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.EqualValues(t, 3, run.Snapshot().Skipped)
}

func TestRunFailKeepsCounters(t *testing.T) {
	reporter := NewReporter(nil)
	sub := reporter.Subscribe(10)
	run := NewRun("r", nil, reporter, nil)
	run.Start(10)
	run.RecordMigrated(false)
	run.RecordMigrated(false)

	status := run.Fail(errors.New("auth failure"), false)
	assert.Equal(t, StateFailed, status.State)
	assert.EqualValues(t, 2, status.Migrated)
	assert.Equal(t, 20.0, status.Percentage)

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunFailed, events[1].Type)
	assert.Equal(t, "auth failure", events[1].Error)
	assert.True(t, events[1].Terminal())
}

func TestRunFailBeforeStart(t *testing.T) {
	run := NewRun("r", nil, nil, nil)
	status := run.Fail(errors.New("count failed"), false)
	assert.Equal(t, 0.0, status.Percentage)
	assert.False(t, status.StartedAt.IsZero())
}

func TestRunCancelled(t *testing.T) {
	run := NewRun("r", nil, nil, nil)
	run.Start(1)
	assert.Equal(t, StateCancelled, run.Fail(errors.New("cancelled"), true).State)
}

func TestRunRateAndETA(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	run := NewRun("r", nil, nil, nil)
	run.now = func() time.Time { return clock }

	run.Start(20)
	clock = base.Add(2 * time.Second)
	for i := 0; i < 10; i++ {
		run.RecordMigrated(false)
	}

	status := run.Snapshot()
	assert.InDelta(t, 5.0, status.Rate, 0.001)
	assert.Equal(t, 2*time.Second, status.ETA)
}

func TestRunValidationEvent(t *testing.T) {
	reporter := NewReporter(nil)
	sub := reporter.Subscribe(10)
	run := NewRun("r", nil, reporter, nil)

	run.SetValidation(ValidationSummary{Matched: true, SourceCount: 3, DestinationCount: 3, Message: "ok"})

	events := drain(sub)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Validation)
	assert.True(t, events[0].Validation.Matched)
	require.NotNil(t, run.Snapshot().Validation)
}
