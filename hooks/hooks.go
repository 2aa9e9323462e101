package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Journal Events
	EventPreJournalWrite  EventType = "PreJournalWrite"
	EventPostJournalWrite EventType = "PostJournalWrite"
	EventPostJournalFlush EventType = "PostJournalFlush"

	// Maintenance Events
	EventPreCompaction  EventType = "PreCompaction"
	EventPostCompaction EventType = "PostCompaction"

	// Checkpoint Lifecycle Events
	EventPreCheckpoint  EventType = "PreCheckpoint"
	EventPostCheckpoint EventType = "PostCheckpoint"

	// Restore Events
	EventPostReplay EventType = "PostReplay"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreJournalWritePayload is raised before an entry is appended to a journal.
// Entry is a pointer so listeners may replace the entry before it is written.
type PreJournalWritePayload struct {
	Path  string
	Entry *core.Entry
}

// NewPreJournalWriteEvent creates a new event for before a journal append.
func NewPreJournalWriteEvent(payload PreJournalWritePayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreJournalWrite,
		payload:   payload,
	}
}

// PostJournalWritePayload describes a completed (or failed) journal append.
type PostJournalWritePayload struct {
	Path   string
	Seq    uint64
	Type   core.RecordType
	Result core.LogWriteResult
	Err    error
}

// NewPostJournalWriteEvent creates a new event for after a journal append.
func NewPostJournalWriteEvent(payload PostJournalWritePayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostJournalWrite,
		payload:   payload,
	}
}

// PostJournalFlushPayload contains data about a flush to stable storage.
type PostJournalFlushPayload struct {
	Path   string
	Offset int64
	Synced bool
	Err    error
}

// NewPostJournalFlushEvent creates a new event for after a journal flush.
func NewPostJournalFlushEvent(payload PostJournalFlushPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostJournalFlush,
		payload:   payload,
	}
}

// PreCompactionPayload contains data for a PreCompaction event.
type PreCompactionPayload struct {
	Path string
}

// NewPreCompactionEvent creates a new event for before a journal is compacted.
// Returning an error from a listener aborts the compaction.
func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreCompaction,
		payload:   payload,
	}
}

// PostCompactionPayload contains data about a completed compaction.
type PostCompactionPayload struct {
	Path       string
	EntriesIn  int
	EntriesOut int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
	Err        error
}

// NewPostCompactionEvent creates a new event for after a compaction finishes.
func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostCompaction,
		payload:   payload,
	}
}

// PreCheckpointPayload contains data for a PreCheckpoint event.
type PreCheckpointPayload struct {
	ID      string
	Trigger core.SnapshotTrigger
}

// NewPreCheckpointEvent creates a new event for before a checkpoint is taken.
func NewPreCheckpointEvent(payload PreCheckpointPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreCheckpoint,
		payload:   payload,
	}
}

// PostCheckpointPayload contains data about a finished checkpoint.
type PostCheckpointPayload struct {
	ID         string
	Generation uint64
	Trigger    core.SnapshotTrigger
	Aborted    bool
	Duration   time.Duration
	Err        error

	// QuiescenceWait is how long the guest threads took to reach a safe
	// point.
	QuiescenceWait time.Duration
}

// NewPostCheckpointEvent creates a new event for after a checkpoint completes.
func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostCheckpoint,
		payload:   payload,
	}
}

// PostReplayPayload summarises a finished journal replay.
type PostReplayPayload struct {
	EntriesApplied int
	SkippedMemory  int
	Duration       time.Duration
	Err            error
}

// NewPostReplayEvent creates a new event for after a replay completes.
func NewPostReplayEvent(payload PostReplayPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostReplay,
		payload:   payload,
	}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreJournalWrite) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// ListenerFunc adapts a function to a synchronous HookListener.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return 0 }
func (f ListenerFunc) IsAsync() bool                                      { return false }

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Fire triggers event on m when m is non-nil. Components hold an optional
// manager and call this instead of nil-checking at every site.
func Fire(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
