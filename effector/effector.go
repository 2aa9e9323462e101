// Package effector is the bridge between a running process and its journal.
// Save methods record what the process did; Apply methods make a target do
// it again.
package effector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

// FailurePolicy decides what a failed journal write means for the guest.
type FailurePolicy string

const (
	// FailStrict surfaces write failures to the caller as *SaveError.
	FailStrict FailurePolicy = "strict"
	// FailLenient logs the failure and stops journaling.
	FailLenient FailurePolicy = "lenient"
)

// ParseFailurePolicy maps a configuration string to a FailurePolicy. The
// empty string selects FailStrict.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "":
		return FailStrict, nil
	case FailStrict, FailLenient:
		return FailurePolicy(s), nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// SaveError is a journal write failure under FailStrict, or a rejection by
// a backend that does not journal under any policy.
type SaveError struct {
	Op  string
	Err error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to journal %s: %v", e.Op, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Options configures an Effector.
type Options struct {
	// Journal receives saved entries. Nil disables capture.
	Journal journal.Writable
	Target  Target
	// FailurePolicy defaults to FailStrict.
	FailurePolicy FailurePolicy
	// ModuleHash is the hash of the loaded module. Memory updates are
	// tagged with it when saved and gated on it when replayed.
	ModuleHash core.ModuleHash
	// Compressor encodes memory payloads. When nil the journal's own
	// compressor is used if it has one, then LZ4.
	Compressor core.Compressor
	Logger     *slog.Logger
}

// Effector saves entries to a shared journal and applies entries to a
// target. It is safe for concurrent use.
type Effector struct {
	journal    journal.Writable
	target     Target
	policy     FailurePolicy
	disabled   atomic.Bool
	moduleHash core.ModuleHash
	compressor core.Compressor
	logger     *slog.Logger

	// snapMu serializes SaveSnapshot and guards digests.
	snapMu  sync.Mutex
	digests map[Region][32]byte
}

func New(opts Options) *Effector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "Effector_default")
	} else {
		logger = logger.With("component", "Effector")
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = FailStrict
	}
	compressor := opts.Compressor
	if compressor == nil {
		if c, ok := opts.Journal.(interface{ Compressor() core.Compressor }); ok {
			compressor = c.Compressor()
		}
	}
	if compressor == nil {
		compressor = compressors.Default()
	}

	e := &Effector{
		journal:    opts.Journal,
		target:     opts.Target,
		policy:     policy,
		moduleHash: opts.ModuleHash,
		compressor: compressor,
		logger:     logger,
		digests:    make(map[Region][32]byte),
	}
	if opts.Journal == nil {
		e.disabled.Store(true)
	}
	return e
}

func (x *Effector) Target() Target              { return x.target }
func (x *Effector) ModuleHash() core.ModuleHash { return x.moduleHash }
func (x *Effector) Policy() FailurePolicy       { return x.policy }
func (x *Effector) Compressor() core.Compressor { return x.compressor }
func (x *Effector) Journal() journal.Writable   { return x.journal }
func (x *Effector) Enabled() bool               { return !x.disabled.Load() }
func (x *Effector) Logger() *slog.Logger        { return x.logger }

func (x *Effector) setDisabled(reason string, err error) {
	if x.disabled.CompareAndSwap(false, true) {
		x.logger.Warn("Journaling disabled.", "reason", reason, "error", err)
	}
}

// Disable stops all further capture.
func (x *Effector) Disable() { x.setDisabled("requested", nil) }

// MemoryMatches reports whether a memory update captured against h may be
// applied to the loaded module. A zero hash on either side matches.
func (x *Effector) MemoryMatches(h core.ModuleHash) bool {
	return h.IsZero() || x.moduleHash.IsZero() || h == x.moduleHash
}

// Save writes entry to the journal under the failure policy.
func (x *Effector) Save(ctx context.Context, entry core.Entry) error {
	if x.disabled.Load() {
		return nil
	}
	if _, err := x.journal.Write(ctx, entry); err != nil {
		return x.failed(entry.RecordType().String(), err)
	}
	return nil
}

// Flush flushes the journal under the failure policy.
func (x *Effector) Flush(ctx context.Context) error {
	if x.disabled.Load() {
		return nil
	}
	if err := x.journal.Flush(ctx); err != nil {
		return x.failed("Flush", err)
	}
	return nil
}

// failed applies the failure policy to a journal error. A backend that
// rejects journaling is fatal under every policy; lenient mode also stops
// further capture.
func (x *Effector) failed(op string, err error) error {
	if core.IsCapabilityError(err) {
		if x.policy == FailLenient {
			x.setDisabled("journal does not accept writes", err)
		}
		return &SaveError{Op: op, Err: err}
	}
	if x.policy == FailLenient {
		x.logger.Error("Failed to journal operation.", "op", op, "error", err)
		x.setDisabled("write failed under lenient policy", err)
		return nil
	}
	return &SaveError{Op: op, Err: err}
}

func replayErr(op core.RecordType, err error, args ...any) error {
	if err == nil {
		return nil
	}
	return core.NewReplayError(op.String(), err, args...)
}
