package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"docmigrate/internal/ledger"
	"docmigrate/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestConsumeCountsOutcomes(t *testing.T) {
	c := New()
	reporter := progress.NewReporter(zaptest.NewLogger(t))
	done := c.Consume(reporter.Subscribe(64))

	run := progress.NewRun("run-1", nil, reporter, zaptest.NewLogger(t))
	run.Start(4)
	run.RecordMigrated(true)
	run.RecordMigrated(false)
	run.RecordSkipped("b", "b", ledger.ReasonAlreadyExists)
	run.RecordMigrated(true)
	run.Complete()
	reporter.Close()
	<-done

	body := scrape(t, c)
	assert.Contains(t, body, `docmigrate_records_total{status="migrated"} 3`)
	assert.Contains(t, body, `docmigrate_records_total{status="already_exists"} 1`)
	assert.Contains(t, body, `docmigrate_runs_total{outcome="completed"} 1`)
}

func TestObserveFollowsCumulativeTotals(t *testing.T) {
	c := New()
	var seen totals

	// the events between these were not delivered
	c.observe(progress.Event{Type: progress.EventItemSkipped, Reason: ledger.ReasonConflict, Skipped: 1}, &seen)
	c.observe(progress.Event{Type: progress.EventItemMigrated, Migrated: 4, Skipped: 3}, &seen)
	c.observe(progress.Event{Type: progress.EventItemSkipped, Reason: ledger.ReasonPermanentFailure, Migrated: 4, Skipped: 3, Failed: 2}, &seen)
	c.observe(progress.Event{Type: progress.EventRunFailed, Migrated: 4, Skipped: 3, Failed: 2}, &seen)

	body := scrape(t, c)
	assert.Contains(t, body, `docmigrate_records_total{status="migrated"} 4`)
	assert.Contains(t, body, `docmigrate_records_total{status="conflict"} 1`)
	assert.Contains(t, body, `docmigrate_records_total{status="already_exists"} 2`)
	assert.Contains(t, body, `docmigrate_records_total{status="permanent_failure"} 2`)
	assert.Contains(t, body, `docmigrate_runs_total{outcome="failed"} 1`)
}

func TestCollectorGauges(t *testing.T) {
	c := New()
	c.IncInflightWorkers()
	c.IncInflightWorkers()
	c.DecInflightWorkers()
	c.ObserveDuration(20 * time.Millisecond)
	c.AddDropped(5)

	body := scrape(t, c)
	assert.Contains(t, body, "docmigrate_inflight_workers 1")
	assert.Contains(t, body, "docmigrate_write_duration_seconds_count 1")
	assert.Contains(t, body, "docmigrate_events_dropped_total 5")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.IncInflightWorkers()
		c.DecInflightWorkers()
		c.ObserveDuration(time.Second)
		c.AddDropped(1)
	})
}
