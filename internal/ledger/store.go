package ledger

import (
	"fmt"
	"path/filepath"
	"time"
)

// Reason explains why a record was not migrated
type Reason string

const (
	ReasonAlreadyExists    Reason = "already_exists"
	ReasonConflict         Reason = "conflict"
	ReasonPermanentFailure Reason = "permanent_failure"
)

// ParseReason converts a stored reason back to a Reason
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonAlreadyExists, ReasonConflict, ReasonPermanentFailure:
		return r, nil
	default:
		return "", fmt.Errorf("unknown skip reason %q", s)
	}
}

// Entry is one record that was not migrated
type Entry struct {
	RunID        string    `json:"run_id"`
	RecordID     string    `json:"record_id"`
	PartitionKey string    `json:"partition_key,omitempty"`
	Reason       Reason    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is an append-only skip ledger for one run. Entries are never modified or removed.
type Store interface {
	Append(entry Entry) error
	Entries() ([]Entry, error)
	Close() error
}

// Backend names
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the ledger for runID. For the file backend path is a directory holding one
// <run_id>.log per run; for sqlite it is the database file shared by all runs.
func Open(backend, path, runID string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(filepath.Join(path, runID+".log"), runID)
	case BackendSQLite:
		return NewSQLiteStore(path, runID)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

// Read returns the entries recorded for runID without keeping the ledger open
func Read(backend, path, runID string) ([]Entry, error) {
	switch backend {
	case BackendFile, "":
		return ReadFile(filepath.Join(path, runID+".log"), runID)
	case BackendSQLite:
		store, err := NewSQLiteStore(path, runID)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.Entries()
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
