package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConflict is returned by Create when the id and partition key are already present
var ErrConflict = errors.New("record already exists")

// ConnectionError reports an invalid endpoint or credential. It aborts a run before any record is processed.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientError is a failure worth retrying: network blips, throttling, timeouts
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError aborts the whole run: malformed records, authorization failures
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Fatal wraps err as a FatalError
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// Class is the handling category of an error
type Class int

const (
	ClassNone Class = iota
	ClassConflict
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify decides how the engine handles err. Typed errors win; anything else falls back to
// message heuristics and is treated as transient when nothing matches.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrConflict) {
		return ClassConflict
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ClassFatal
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	if isFatalMessage(err) {
		return ClassFatal
	}

	return ClassTransient
}

// IsRetriable reports whether err should be retried
func IsRetriable(err error) bool {
	return Classify(err) == ClassTransient
}

func isFatalMessage(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "authentication failed") ||
		strings.Contains(errStr, "access denied") ||
		strings.Contains(errStr, "invalid document")
}
