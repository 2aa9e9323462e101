package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
)

// RecordSizeRule is the largest framed size tolerated for one record type.
type RecordSizeRule struct {
	Type     core.RecordType
	MaxBytes int
}

// RecordSizeListener warns about unusually large journal records before
// they are written. Large FdWrite and UpdateMemoryRegion records are the
// usual cause of journals that grow faster than compaction can shrink them.
type RecordSizeListener struct {
	logger *slog.Logger
	rules  map[core.RecordType]int
	reject bool
}

// NewRecordSizeListener creates a listener for the given rules. When reject
// is true an oversized record fails the PreJournalWrite hook instead of
// only being logged.
func NewRecordSizeListener(logger *slog.Logger, rules []RecordSizeRule, reject bool) *RecordSizeListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ruleMap := make(map[core.RecordType]int, len(rules))
	for _, rule := range rules {
		ruleMap[rule.Type] = rule.MaxBytes
	}
	return &RecordSizeListener{
		logger: logger.With("component", "RecordSizeListener"),
		rules:  ruleMap,
		reject: reject,
	}
}

// OnEvent handles PreJournalWrite events.
func (l *RecordSizeListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreJournalWrite {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreJournalWritePayload)
	if !ok || payload.Entry == nil || *payload.Entry == nil {
		l.logger.Error("Received PreJournalWrite event with incorrect payload", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	entry := *payload.Entry
	limit, hasRule := l.rules[entry.RecordType()]
	if !hasRule {
		return nil
	}
	size := core.EstimateSize(entry)
	if size <= limit {
		return nil
	}

	l.logger.Warn("Oversized journal record",
		"path", payload.Path,
		"type", entry.RecordType().String(),
		"size", size,
		"max_bytes", limit,
	)
	if l.reject {
		return fmt.Errorf("%s record of %d bytes exceeds %d: %w", entry.RecordType(), size, limit, core.ErrRecordTooLarge)
	}
	return nil
}

// Priority defines the execution order.
func (l *RecordSizeListener) Priority() int { return 100 }

// IsAsync is false; Pre hooks always run synchronously.
func (l *RecordSizeListener) IsAsync() bool { return false }
