package metrics

import (
	"context"

	"github.com/INLOpen/wasmsnap/hooks"
)

// Listener feeds post-event hooks into a Registry.
type Listener struct {
	r *Registry
}

// NewListener creates a listener recording into r.
func NewListener(r *Registry) *Listener {
	return &Listener{r: r}
}

// Attach registers the listener for every post event it understands.
func (l *Listener) Attach(hm hooks.HookManager) {
	for _, ev := range []hooks.EventType{
		hooks.EventPostJournalWrite,
		hooks.EventPostJournalFlush,
		hooks.EventPostCompaction,
		hooks.EventPostReplay,
		hooks.EventPostCheckpoint,
	} {
		hm.Register(ev, l)
	}
}

func (l *Listener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostJournalWritePayload:
		l.r.RecordJournalWrite(p.Type, p.Result.RecordSize(), p.Err)
	case hooks.PostJournalFlushPayload:
		l.r.RecordJournalFlush(p.Err)
	case hooks.PostCompactionPayload:
		l.r.RecordCompaction(p.EntriesIn, p.EntriesOut, p.BytesIn, p.BytesOut, p.Duration, p.Err)
	case hooks.PostReplayPayload:
		l.r.RecordReplay(p.EntriesApplied, p.SkippedMemory, p.Duration, p.Err)
	case hooks.PostCheckpointPayload:
		l.r.RecordCheckpoint(p.Trigger, p.Generation, p.Aborted, p.QuiescenceWait, p.Duration, p.Err)
	}
	return nil
}

// Priority runs metrics after listeners that may still veto or log.
func (l *Listener) Priority() int { return 100 }

func (l *Listener) IsAsync() bool { return false }
