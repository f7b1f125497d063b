package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const fieldSep = ", "

// FileStore writes one human-readable line per entry: "record_id, reason, timestamp".
// Every append is synced to disk before it returns.
type FileStore struct {
	mu     sync.Mutex
	path   string
	runID  string
	file   *os.File
	closed bool
}

// NewFileStore opens path for appending, creating it and its directory if needed
func NewFileStore(path, runID string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}

	return &FileStore{path: path, runID: runID, file: f}, nil
}

// Path returns the ledger file location
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("ledger store is closed")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	line := FormatLine(entry)
	if _, err := s.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return s.file.Sync()
}

func (s *FileStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFile(s.path, s.runID)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// FormatLine renders an entry in the ledger file format. Ids that would break the line, or that
// start with a quote, are written as quoted Go strings.
func FormatLine(entry Entry) string {
	return strings.Join([]string{
		formatID(entry.RecordID),
		string(entry.Reason),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}, fieldSep)
}

// ParseLine reads a ledger line. The record id may itself contain the separator, so the
// line is split from the right.
func ParseLine(line string) (Entry, error) {
	tsIdx := strings.LastIndex(line, fieldSep)
	if tsIdx < 0 {
		return Entry{}, fmt.Errorf("malformed ledger line %q", line)
	}
	reasonIdx := strings.LastIndex(line[:tsIdx], fieldSep)
	if reasonIdx < 0 {
		return Entry{}, fmt.Errorf("malformed ledger line %q", line)
	}

	ts, err := time.Parse(time.RFC3339Nano, line[tsIdx+len(fieldSep):])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed ledger timestamp: %w", err)
	}
	reason, err := ParseReason(line[reasonIdx+len(fieldSep) : tsIdx])
	if err != nil {
		return Entry{}, err
	}

	id, err := parseID(line[:reasonIdx])
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		RecordID:  id,
		Reason:    reason,
		Timestamp: ts,
	}, nil
}

func formatID(id string) string {
	if strings.HasPrefix(id, `"`) || strings.ContainsAny(id, "\r\n") {
		return strconv.Quote(id)
	}
	return id
}

func parseID(field string) (string, error) {
	if !strings.HasPrefix(field, `"`) {
		return field, nil
	}
	id, err := strconv.Unquote(field)
	if err != nil {
		return "", fmt.Errorf("malformed ledger record id %s: %w", field, err)
	}
	return id, nil
}

// ReadFile parses every entry of a ledger file. A missing file has no entries.
func ReadFile(path, runID string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseLine(line)
		if err != nil {
			return entries, err
		}
		entry.RunID = runID
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}
