package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Several runs may share one database file.
type SQLiteStore struct {
	db      *sql.DB
	runID   string
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger database at dbPath for runID
func NewSQLiteStore(dbPath, runID string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:    db,
		runID: runID,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS skip_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_skip_entries_run ON skip_entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_skip_entries_reason ON skip_entries(reason);
	`

	_, err := s.db.Exec(query)
	return err
}

// Append inserts one entry. Writes are serialized to avoid SQLITE_BUSY from concurrent writers.
func (s *SQLiteStore) Append(entry Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return fmt.Errorf("ledger store is closed")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.RunID == "" {
		entry.RunID = s.runID
	}

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO skip_entries (run_id, record_id, partition_key, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		`,
			entry.RunID,
			entry.RecordID,
			entry.PartitionKey,
			string(entry.Reason),
			entry.Detail,
			entry.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
		return nil
	})
}

// Entries returns this run's entries in append order
func (s *SQLiteStore) Entries() ([]Entry, error) {
	s.writeMu.Lock()
	closed := s.closed
	s.writeMu.Unlock()
	if closed {
		return nil, fmt.Errorf("ledger store is closed")
	}

	rows, err := s.db.Query(`
	SELECT run_id, record_id, partition_key, reason, detail, created_at
	FROM skip_entries WHERE run_id = ?
	ORDER BY seq ASC
	`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			reason string
			detail sql.NullString
		)
		if err := rows.Scan(&entry.RunID, &entry.RecordID, &entry.PartitionKey, &reason, &detail, &entry.Timestamp); err != nil {
			return nil, err
		}
		if entry.Reason, err = ParseReason(reason); err != nil {
			return nil, err
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
