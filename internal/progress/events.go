package progress

import (
	"time"

	"docmigrate/internal/ledger"
)

// EventType names one progress event variant
type EventType string

const (
	EventRunStarted          EventType = "run_started"
	EventItemMigrated        EventType = "item_migrated"
	EventItemSkipped         EventType = "item_skipped"
	EventRunCompleted        EventType = "run_completed"
	EventRunFailed           EventType = "run_failed"
	EventValidationCompleted EventType = "validation_completed"
)

// Event is a progress notification. Which payload fields are set depends on Type; the counters
// and percentage always reflect the run at emission time.
type Event struct {
	RunID string    `json:"run_id"`
	Seq   uint64    `json:"seq"`
	Type  EventType `json:"type"`
	Time  time.Time `json:"time"`

	// run_started, item_migrated
	SourceCount int64 `json:"source_count,omitempty"`
	Index       int64 `json:"index,omitempty"`
	Total       int64 `json:"total,omitempty"`

	// item_skipped
	RecordID string        `json:"record_id,omitempty"`
	Reason   ledger.Reason `json:"reason,omitempty"`

	// run_completed
	Duration time.Duration `json:"duration,omitempty"`

	// run_failed
	Error string `json:"error,omitempty"`

	// validation_completed
	Validation *ValidationSummary `json:"validation,omitempty"`

	Migrated   int64   `json:"migrated"`
	Skipped    int64   `json:"skipped"`
	Failed     int64   `json:"failed"`
	Percentage float64 `json:"percentage"`
	Rate       float64 `json:"rate"`
}

// ValidationSummary is the validation outcome carried by a validation_completed event
type ValidationSummary struct {
	Matched           bool     `json:"matched"`
	SourceCount       int64    `json:"source_count"`
	DestinationCount  int64    `json:"destination_count"`
	Message           string   `json:"message"`
	MembershipChecked bool     `json:"membership_checked,omitempty"`
	MembershipMessage string   `json:"membership_message,omitempty"`
	Missing           []string `json:"missing,omitempty"`
}

// Terminal reports whether no further run events follow, apart from validation
func (e Event) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
