package worker

import (
	"fmt"
	"time"

	"docmigrate/internal/driver"
)

// Batch is a contiguous slice of source records handed to one worker
type Batch struct {
	Seq     int
	Records []driver.Record
}

// Write modes
const (
	WriteModeCreate = "create"
	WriteModeUpsert = "upsert"
)

// Progress emission granularity
const (
	ProgressEveryRecord = "record"
	ProgressEveryBatch  = "batch"
)

// Config contains worker configuration
type Config struct {
	Retries            int
	RetryBackoffMs     int
	RetryMaxBackoffMs  int
	RetryJitter        bool
	SkipExisting       bool
	WriteMode          string
	ProgressEvery      string
	MaxWritesPerSecond float64
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Retries:           3,
		RetryBackoffMs:    4000,
		RetryMaxBackoffMs: 10000,
		SkipExisting:      true,
		WriteMode:         WriteModeCreate,
		ProgressEvery:     ProgressEveryRecord,
	}
}

// Validate checks the worker settings
func (c Config) Validate() error {
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1")
	}
	if c.RetryBackoffMs < 0 || c.RetryMaxBackoffMs < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.WriteMode != WriteModeCreate && c.WriteMode != WriteModeUpsert {
		return fmt.Errorf("invalid write mode: %s", c.WriteMode)
	}
	if c.ProgressEvery != ProgressEveryRecord && c.ProgressEvery != ProgressEveryBatch {
		return fmt.Errorf("invalid progress granularity: %s", c.ProgressEvery)
	}
	if c.MaxWritesPerSecond < 0 {
		return fmt.Errorf("max writes per second cannot be negative")
	}
	return nil
}

// RetryPolicy builds the policy described by the config
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: c.Retries,
		Base:     time.Duration(c.RetryBackoffMs) * time.Millisecond,
		Max:      time.Duration(c.RetryMaxBackoffMs) * time.Millisecond,
		Jitter:   c.RetryJitter,
	}
}
