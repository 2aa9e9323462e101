// Package checkpoint brings the guest threads of a process to a consistent
// point, captures a full-state snapshot into the journal and records the
// result in a durable marker file.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/hooks"
)

const tracerName = "github.com/INLOpen/wasmsnap/checkpoint"

// DefaultQuiescenceTimeout bounds how long a request waits for the guest
// threads when Options.QuiescenceTimeout is zero.
const DefaultQuiescenceTimeout = 5 * time.Second

// ErrQuiescenceTimeout aborts a checkpoint whose threads did not all reach a
// safe point in time.
var ErrQuiescenceTimeout = errors.New("checkpoint: guest threads did not reach a safe point in time")

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("checkpoint: coordinator closed")

// Capturer writes the snapshot. *effector.Effector implements it.
type Capturer interface {
	SaveSnapshot(ctx context.Context, trigger core.SnapshotTrigger) (effector.SnapshotStats, error)
}

// Result is the outcome of one checkpoint generation.
type Result struct {
	Generation uint64
	ID         uuid.UUID
	Trigger    core.SnapshotTrigger
	// Aborted is set when the threads never quiesced and nothing was
	// captured.
	Aborted        bool
	Stats          effector.SnapshotStats
	Offset         int64
	QuiescenceWait time.Duration
	Duration       time.Duration
	Err            error
}

type Options struct {
	Capturer Capturer
	// Offset reports the current end of the journal; it is recorded in the
	// marker. Optional.
	Offset func() int64
	// MarkerDir receives the marker file after every successful checkpoint.
	// Empty disables the marker.
	MarkerDir string
	// Triggers are the triggers Notify acts on.
	Triggers          []core.SnapshotTrigger
	Interval          time.Duration
	QuiescenceTimeout time.Duration

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

// Coordinator runs checkpoints. Guest threads register as participants and
// report safe points; a request stops every participant at its next safe
// point, captures, and releases them.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	reqMu sync.Mutex // one checkpoint at a time

	mu           sync.Mutex
	cond         *sync.Cond
	stopping     bool
	closed       bool
	participants map[*Participant]struct{}
	generation   uint64
	last         Result
	enabled      map[core.SnapshotTrigger]bool
	fired        map[core.SnapshotTrigger]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.QuiescenceTimeout <= 0 {
		opts.QuiescenceTimeout = DefaultQuiescenceTimeout
	}
	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.Default().With("component", "Coordinator_default")
	} else {
		logger = opts.Logger.With("component", "Coordinator")
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	c := &Coordinator{
		opts:         opts,
		logger:       logger,
		tracer:       tracer,
		participants: make(map[*Participant]struct{}),
		enabled:      make(map[core.SnapshotTrigger]bool),
		fired:        make(map[core.SnapshotTrigger]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, t := range opts.Triggers {
		c.enabled[t] = true
	}
	return c
}

// Participant is one registered guest thread. Its methods must be called
// from that thread only.
type Participant struct {
	c        *Coordinator
	parked   bool
	blocking int
}

func (p *Participant) quiescent() bool { return p.parked || p.blocking > 0 }

// Register adds a guest thread. Registration waits for a checkpoint in
// progress to finish, so a new thread never runs during a capture.
func (c *Coordinator) Register() *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.stopping {
		c.cond.Wait()
	}
	p := &Participant{c: c}
	c.participants[p] = struct{}{}
	return p
}

// Deregister removes the thread. It is safe to call during a checkpoint.
func (p *Participant) Deregister() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, p)
	c.cond.Broadcast()
}

// waitLocked waits on the condition until wake returns true or ctx is done.
// c.mu must be held.
func (c *Coordinator) waitLocked(ctx context.Context, wake func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	for !wake() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Safepoint parks the thread while a checkpoint is in progress. It returns
// at once otherwise.
func (p *Participant) Safepoint(ctx context.Context) error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopping {
		return nil
	}
	p.parked = true
	c.cond.Broadcast()
	err := c.waitLocked(ctx, func() bool { return !c.stopping })
	p.parked = false
	return err
}

// EnterBlocking marks the start of a section in which the thread does not
// touch guest state, such as a blocking read. A blocked thread counts as
// quiescent.
func (p *Participant) EnterBlocking() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	p.blocking++
	c.cond.Broadcast()
}

// ExitBlocking ends a blocking section. It waits for a checkpoint in
// progress to finish first.
func (p *Participant) ExitBlocking() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.stopping {
		c.cond.Wait()
	}
	if p.blocking > 0 {
		p.blocking--
	}
}

// Request runs a checkpoint from the participant's own thread, which is
// treated as blocked for the duration.
func (p *Participant) Request(ctx context.Context, trigger core.SnapshotTrigger) (Result, error) {
	p.EnterBlocking()
	defer p.ExitBlocking()
	return p.c.Request(ctx, trigger)
}

func (c *Coordinator) quiescentLocked() bool {
	for p := range c.participants {
		if !p.quiescent() {
			return false
		}
	}
	return true
}

// Request stops every participant at its next safe point, captures a
// snapshot, and releases them. A request that cannot stop the threads
// within the quiescence timeout is aborted with ErrQuiescenceTimeout and
// the threads resume; the generation still advances so waiters observe
// the outcome.
func (c *Coordinator) Request(ctx context.Context, trigger core.SnapshotTrigger) (res Result, err error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "Coordinator.Request")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint.trigger", trigger.String()))

	res = Result{ID: uuid.New(), Trigger: trigger}
	start := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return res, ErrClosed
	}
	c.mu.Unlock()

	if err := hooks.Fire(ctx, c.opts.HookManager, hooks.NewPreCheckpointEvent(hooks.PreCheckpointPayload{ID: res.ID.String(), Trigger: trigger})); err != nil {
		span.SetStatus(codes.Error, "cancelled_by_hook")
		return res, fmt.Errorf("checkpoint %s cancelled: %w", res.ID, err)
	}
	defer func() {
		hooks.Fire(ctx, c.opts.HookManager, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{
			ID:             res.ID.String(),
			Generation:     res.Generation,
			Trigger:        trigger,
			Aborted:        res.Aborted,
			Duration:       res.Duration,
			Err:            res.Err,
			QuiescenceWait: res.QuiescenceWait,
		}))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint_failed")
		}
	}()

	c.mu.Lock()
	c.stopping = true
	c.cond.Broadcast()
	waitErr := c.waitQuiescentLocked(ctx)
	c.mu.Unlock()
	res.QuiescenceWait = time.Since(start)
	span.SetAttributes(attribute.Int64("checkpoint.quiescence_wait_us", res.QuiescenceWait.Microseconds()))

	if waitErr != nil {
		res.Aborted = true
		res.Err = waitErr
		c.logger.Warn("Checkpoint aborted before capture.", "id", res.ID, "trigger", trigger, "wait", res.QuiescenceWait, "error", waitErr)
	} else {
		res.Err = c.capture(ctx, &res)
	}
	res.Duration = time.Since(start)
	c.finish(&res)

	if res.Err != nil {
		return res, res.Err
	}
	c.logger.Info("Checkpoint complete.", "id", res.ID, "generation", res.Generation, "trigger", trigger,
		"regions", res.Stats.RegionsWritten, "bytes", res.Stats.BytesWritten, "wait", res.QuiescenceWait, "duration", res.Duration)
	return res, nil
}

// waitQuiescentLocked waits for every participant to park or block. c.mu
// must be held.
func (c *Coordinator) waitQuiescentLocked(ctx context.Context) error {
	timer := time.AfterFunc(c.opts.QuiescenceTimeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(c.opts.QuiescenceTimeout)

	timedOut := false
	err := c.waitLocked(ctx, func() bool {
		if c.quiescentLocked() {
			return true
		}
		timedOut = !time.Now().Before(deadline)
		return timedOut
	})
	if err != nil {
		return err
	}
	if timedOut {
		return ErrQuiescenceTimeout
	}
	return nil
}

// capture runs while the threads are stopped.
func (c *Coordinator) capture(ctx context.Context, res *Result) error {
	if c.opts.Capturer != nil {
		stats, err := c.opts.Capturer.SaveSnapshot(ctx, res.Trigger)
		res.Stats = stats
		if err != nil {
			return fmt.Errorf("failed to capture snapshot: %w", err)
		}
	}
	if c.opts.Offset != nil {
		res.Offset = c.opts.Offset()
	}
	if c.opts.MarkerDir == "" {
		return nil
	}

	c.mu.Lock()
	gen := c.generation + 1
	c.mu.Unlock()
	marker := Marker{Generation: gen, Offset: res.Offset, Trigger: res.Trigger, ID: res.ID, Time: time.Now().UTC()}
	if err := Write(c.opts.MarkerDir, marker); err != nil {
		return fmt.Errorf("failed to write checkpoint marker: %w", err)
	}
	return nil
}

// finish publishes res as the next generation and releases the threads.
func (c *Coordinator) finish(res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	res.Generation = c.generation
	c.last = *res
	c.stopping = false
	c.cond.Broadcast()
}

// Generation is the number of checkpoints attempted so far.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Wait blocks until the generation passes gen and returns the outcome of
// the latest checkpoint.
func (c *Coordinator) Wait(ctx context.Context, gen uint64) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.waitLocked(ctx, func() bool { return c.generation > gen }); err != nil {
		return Result{}, err
	}
	return c.last, nil
}

// Notify requests a checkpoint in the background when trigger is enabled.
// Once-only triggers act the first time they are seen. It reports whether
// a checkpoint was requested. Notify never blocks, so trigger sites on
// guest threads can call it and then reach their next safe point.
func (c *Coordinator) Notify(trigger core.SnapshotTrigger) bool {
	c.mu.Lock()
	if c.closed || !c.enabled[trigger] {
		c.mu.Unlock()
		return false
	}
	if trigger.OnlyOnce() {
		if c.fired[trigger] {
			c.mu.Unlock()
			return false
		}
		c.fired[trigger] = true
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.Request(context.Background(), trigger); err != nil {
			c.logger.Error("Triggered checkpoint failed.", "trigger", trigger, "error", err)
		}
	}()
	return true
}

// Start runs the periodic checkpoint loop when an interval is configured.
// The loop ends when ctx is done or the coordinator is closed.
func (c *Coordinator) Start(ctx context.Context) {
	if c.opts.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		c.logger.Info("Periodic checkpoints started.", "interval", c.opts.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Request(ctx, core.TriggerPeriodicInterval); err != nil && ctx.Err() == nil {
					c.logger.Error("Periodic checkpoint failed.", "error", err)
				}
			}
		}
	}()
}

// Close stops the periodic loop and waits for triggered checkpoints to
// finish. Later requests fail with ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}
