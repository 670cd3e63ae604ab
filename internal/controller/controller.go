// Package controller runs the device state machine. All state is owned by
// the goroutine calling Tick; background work reports back on channels that
// are drained at the start of the next tick.
package controller

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/presence"
	"github.com/rs/zerolog"
)

// maxQueuedButtons bounds button edges waiting for a free action slot.
const maxQueuedButtons = 16

// Controller is the device state machine.
type Controller struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	debouncer *input.Debouncer
	presence  *presence.Tracker

	state      State
	token      *LoadedToken
	session    *RecordingSession
	currentRef string
	confirmed  bool // Playing has been confirmed by the backend

	gen     uint64
	pending *pendingPlay

	arrival     *presence.Edge
	buttonQueue []input.Event

	lastRecheck     time.Time
	notPlayingSince time.Time

	playResults     chan playResult
	recorderResults chan recorderResult
}

// New creates a controller in NoToken.
func New(deps Deps, opts Options, logger zerolog.Logger) *Controller {
	opts.setDefaults()

	c := &Controller{
		deps:            deps,
		opts:            opts,
		logger:          logger.With().Str("component", "controller").Logger(),
		debouncer:       input.NewDebouncer(opts.BitMap, opts.DebounceReads),
		presence:        presence.NewTracker(opts.ConfirmReads, opts.RemovalReads),
		state:           NoToken,
		playResults:     make(chan playResult, 8),
		recorderResults: make(chan recorderResult, 8),
	}
	for _, s := range States {
		metrics.DeviceState.WithLabelValues(s.String()).Set(0)
	}
	metrics.DeviceState.WithLabelValues(NoToken.String()).Set(1)
	return c
}

// State returns the current state. Call from the tick goroutine only.
func (c *Controller) State() State {
	return c.state
}

// Token returns a copy of the loaded token, or nil.
func (c *Controller) Token() *LoadedToken {
	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

// Session returns a copy of the active recording session, or nil.
func (c *Controller) Session() *RecordingSession {
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Run ticks every poll interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.Info().
		Dur("poll_interval", c.opts.PollInterval).
		Msg("Controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.logger.Info().Msg("Controller stopped")
			return nil
		case now := <-ticker.C:
			c.safeTick(ctx, now)
			if c.opts.Heartbeat != nil {
				c.opts.Heartbeat()
			}
		}
	}
}

// safeTick runs one tick, recovering from panics so the loop survives.
func (c *Controller) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickPanics.Inc()
			c.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic in tick")
		}
	}()
	c.Tick(ctx, now)
}

// Tick reads inputs once and performs at most one state-changing action.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	c.readInputs(ctx, now)
	c.drainRecorder(now)

	if c.state == Playing && c.confirmed {
		ioctx, cancel := c.io(ctx)
		if err := c.deps.Usage.Accumulate(ioctx, now); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record usage")
		}
		cancel()
	}

	c.dispatch(ctx, now)
}

func (c *Controller) readInputs(ctx context.Context, now time.Time) {
	ioctx, cancel := c.io(ctx)
	defer cancel()

	raw, tr := c.deps.Buttons.Read(ioctx, now)
	c.reportHealth(tr, now)
	for _, ev := range c.debouncer.Update(raw, now) {
		if ev.Kind == input.Held {
			continue
		}
		if len(c.buttonQueue) >= maxQueuedButtons {
			c.logger.Warn().Str("button", ev.Button.String()).Msg("Button queue full, dropping event")
			continue
		}
		c.buttonQueue = append(c.buttonQueue, ev)
	}

	read, tr := c.deps.Tokens.Read(ioctx, now)
	c.reportHealth(tr, now)
	if edge, ok := c.presence.Update(read.ID, read.Present, now); ok {
		switch edge.Kind {
		case presence.Arrived:
			c.arrival = &edge
		case presence.Removed:
			c.logger.Debug().Str("token", edge.ID).Msg("Token removed from reader")
		}
	}
}

// dispatch runs the first applicable action in priority order.
func (c *Controller) dispatch(ctx context.Context, now time.Time) bool {
	if c.state == Recording && c.autoStopDue() {
		c.logger.Info().Msg("Recording reached maximum duration")
		c.saveRecording(ctx, now)
		return true
	}
	if c.handlePlayResult(ctx, now) {
		return true
	}
	if c.arrival != nil {
		edge := *c.arrival
		c.arrival = nil
		if c.handleArrival(ctx, edge, now) {
			return true
		}
	}
	if c.handleButtons(ctx, now) {
		return true
	}
	if c.handleIntent(ctx, now) {
		return true
	}
	return c.monitor(ctx, now)
}

func (c *Controller) autoStopDue() bool {
	select {
	case <-c.deps.Recorder.AutoStop():
		return true
	default:
		return false
	}
}

// setState moves to next, closing out usage when leaving a confirmed Playing.
func (c *Controller) setState(ctx context.Context, next State, now time.Time) {
	prev := c.state
	if prev == Playing && c.confirmed {
		c.stopUsage(ctx, now)
	}
	if next != Playing {
		c.confirmed = false
	}
	if next == prev {
		return
	}

	c.state = next
	// Buttons held across a transition belong to the old state.
	c.debouncer.ConsumeAll()
	metrics.StateTransitions.WithLabelValues(prev.String(), next.String()).Inc()
	metrics.DeviceState.WithLabelValues(prev.String()).Set(0)
	metrics.DeviceState.WithLabelValues(next.String()).Set(1)

	c.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("State changed")
}

func (c *Controller) stopUsage(ctx context.Context, now time.Time) {
	ioctx, cancel := c.io(ctx)
	defer cancel()
	if err := c.deps.Usage.Stop(ioctx, now); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to flush usage")
	}
}

// io bounds a synchronous call made from the tick.
func (c *Controller) io(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.IOTimeout)
}

func (c *Controller) emit(kind feedback.Kind, now time.Time) {
	ev := feedback.Event{Kind: kind, At: now}
	if c.token != nil {
		ev.Token = c.token.ID
	}
	c.deps.Feedback.Emit(ev)
}

func (c *Controller) emitError(reason string, now time.Time) {
	ev := feedback.Event{Kind: feedback.Error, Reason: reason, At: now}
	if c.token != nil {
		ev.Token = c.token.ID
	}
	c.deps.Feedback.Emit(ev)
}

// blocked reports a refused action. Policy decisions are already counted by
// the policy engine.
func (c *Controller) blocked(action string, reason policy.Reason, now time.Time) {
	if reason == policy.ReasonNoToken || reason == policy.ReasonRecording {
		metrics.BlockedActions.WithLabelValues(action, string(reason)).Inc()
	}
	ev := feedback.Event{Kind: feedback.Blocked, Reason: string(reason), At: now}
	if c.token != nil {
		ev.Token = c.token.ID
	}
	c.deps.Feedback.Emit(ev)
}

func (c *Controller) reportHealth(tr *health.Transition, now time.Time) {
	if tr == nil {
		return
	}
	switch tr.To {
	case health.StatusFailed:
		c.emitError(tr.Device+"-failed", now)
	case health.StatusHealthy:
		if tr.From == health.StatusFailed {
			c.logger.Info().Str("device", tr.Device).Msg("Device back online")
		}
	}
}

// shutdown releases the backend session and recorder on exit.
func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FinalizeTimeout)
	defer cancel()
	now := time.Now()

	c.takePending()
	if c.state == Recording {
		c.session = nil
		if err := c.deps.Recorder.Cancel(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cancel recording on shutdown")
		}
	}
	if c.state == Playing && c.confirmed {
		c.stopUsage(ctx, now)
		c.confirmed = false
	}
}
