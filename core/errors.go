package core

import (
	"errors"
	"fmt"
	"strings"
)

// Capability and lifecycle errors returned by journal backends.
var (
	// ErrJournalUnsupported is returned by backends that reject any attempt
	// to journal. Callers treat it as "journaling is off".
	ErrJournalUnsupported = errors.New("journal: operation not supported by this backend")
	// ErrJournalReadOnly is returned when writing to a read-only journal.
	ErrJournalReadOnly = errors.New("journal: backend is read-only")
	// ErrJournalFull is returned when a backend has no room for the record.
	ErrJournalFull = errors.New("journal: backend is full")
	// ErrJournalClosed is returned after Close, or after the halves of a
	// journal have been split off.
	ErrJournalClosed = errors.New("journal: backend is closed")
	// ErrRecordTooLarge is returned when an encoded record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("journal: record too large")
	// ErrModuleHashMismatch marks a memory update captured against a
	// different module build.
	ErrModuleHashMismatch = errors.New("journal: module hash mismatch")
)

// CorruptKind classifies a decode failure.
type CorruptKind string

const (
	CorruptChecksum   CorruptKind = "checksum"
	CorruptLength     CorruptKind = "length"
	CorruptHeader     CorruptKind = "header"
	CorruptPayload    CorruptKind = "payload"
	CorruptCompressed CorruptKind = "compressed"
)

// CorruptError reports a record that cannot be decoded. At the tail of a
// log it is recoverable; anywhere else it is fatal.
type CorruptError struct {
	Path   string
	Offset int64
	Kind   CorruptKind
	Type   RecordType
	Err    error
}

func (e *CorruptError) Error() string {
	var b strings.Builder
	b.WriteString("corrupt journal record")
	if e.Path != "" {
		fmt.Fprintf(&b, " in %s", e.Path)
	}
	fmt.Fprintf(&b, " at offset %d (kind=%s", e.Offset, e.Kind)
	if e.Type != 0 {
		fmt.Fprintf(&b, ", entry=%s", e.Type)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CorruptError) Unwrap() error { return e.Err }

// ReplayError is returned when an apply step fails. It is always fatal to
// the restore attempt.
type ReplayError struct {
	Op   string
	Args []any
	Err  error
}

func (e *ReplayError) Error() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = fmt.Sprint(a)
	}
	return fmt.Sprintf("replay %s(%s) failed: %v", e.Op, strings.Join(args, ", "), e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// NewReplayError wraps err with the operation name and its arguments.
func NewReplayError(op string, err error, args ...any) *ReplayError {
	return &ReplayError{Op: op, Args: args, Err: err}
}

// IsCorruptError checks if an error is a CorruptError.
func IsCorruptError(err error) bool {
	var corruptError *CorruptError
	return errors.As(err, &corruptError)
}

// IsReplayError checks if an error is a ReplayError.
func IsReplayError(err error) bool {
	var replayError *ReplayError
	return errors.As(err, &replayError)
}

// IsCapabilityError reports whether err means the backend cannot journal
// at all, as opposed to journaling having failed.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrJournalUnsupported) || errors.Is(err, ErrJournalReadOnly)
}
