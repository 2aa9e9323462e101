package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/wasmsnap/hooks"
)

// CheckpointAlerterListener logs failed checkpoints and checkpoints that
// took longer than the configured threshold.
type CheckpointAlerterListener struct {
	logger *slog.Logger
	slow   time.Duration
}

// NewCheckpointAlerterListener creates a new listener. A zero slow threshold
// disables the latency warning.
func NewCheckpointAlerterListener(logger *slog.Logger, slow time.Duration) *CheckpointAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CheckpointAlerterListener{
		logger: logger.With("component", "CheckpointAlerterListener"),
		slow:   slow,
	}
}

// OnEvent handles the PostCheckpoint event.
func (l *CheckpointAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCheckpoint {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostCheckpointPayload)
	if !ok {
		l.logger.Error("Received PostCheckpoint event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	switch {
	case payload.Err != nil:
		l.logger.Error("Checkpoint failed",
			"checkpoint_id", payload.ID,
			"trigger", payload.Trigger.String(),
			"error", payload.Err,
		)
	case l.slow > 0 && payload.Duration > l.slow:
		l.logger.Warn("Slow checkpoint",
			"checkpoint_id", payload.ID,
			"generation", payload.Generation,
			"trigger", payload.Trigger.String(),
			"duration", payload.Duration,
			"threshold", l.slow,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *CheckpointAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *CheckpointAlerterListener) IsAsync() bool { return true }
