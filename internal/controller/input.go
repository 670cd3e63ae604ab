package controller

import (
	"context"
	"time"

	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/intent"
	"github.com/goodtune/kspeaker/internal/policy"
)

// handleButtons runs long presses first, then queued edges in order until
// one changes state. Remaining edges wait for the next tick.
func (c *Controller) handleButtons(ctx context.Context, now time.Time) bool {
	if c.handleLongPresses(ctx, now) {
		return true
	}
	for len(c.buttonQueue) > 0 {
		ev := c.buttonQueue[0]
		c.buttonQueue = c.buttonQueue[1:]
		if c.handleButton(ctx, ev, now) {
			return true
		}
	}
	return false
}

func (c *Controller) handleLongPresses(ctx context.Context, now time.Time) bool {
	switch c.state {
	case Recording:
		if c.debouncer.LongPress(input.Stop, c.opts.ClearHold, now) {
			c.cancelRecording(ctx, now)
			return true
		}
	case TokenLoaded, Playing, Paused:
		if c.debouncer.LongPress(input.Stop, c.opts.ClearHold, now) {
			return c.clearToken(ctx, now)
		}
		if c.debouncer.LongPress(input.Record, c.opts.RecordHold, now) {
			return c.startRecording(ctx, now)
		}
		if c.debouncer.LongPress(input.PlayPause, c.opts.PlayLatestHold, now) {
			return c.playLatest(ctx, now)
		}
	case NoToken:
		if c.debouncer.LongPress(input.Record, c.opts.RecordHold, now) {
			c.blocked("record", policy.ReasonNoToken, now)
		}
	}
	return false
}

func (c *Controller) handleButton(ctx context.Context, ev input.Event, now time.Time) bool {
	switch ev.Button {
	case input.VolumeUp, input.VolumeDown:
		if ev.Kind != input.Pressed || c.state == Recording {
			return false
		}
		delta := c.opts.VolumeStep
		if ev.Button == input.VolumeDown {
			delta = -delta
		}
		c.stepVolume(ctx, delta, now)
		return false

	case input.Record:
		if ev.Kind == input.Pressed && c.state == Recording {
			c.debouncer.Consume(input.Record)
			c.saveRecording(ctx, now)
			return true
		}
		return false

	case input.Stop:
		if ev.Kind != input.Released || ev.LongFired {
			return false
		}
		switch c.state {
		case Recording:
			c.cancelRecording(ctx, now)
			return true
		case Playing, Paused:
			return c.stop(ctx, now)
		}
		return false

	case input.PlayPause:
		if ev.Kind != input.Released || ev.LongFired {
			return false
		}
		return c.toggle(ctx, now)
	}
	return false
}

// toggle is the short play/pause action.
func (c *Controller) toggle(ctx context.Context, now time.Time) bool {
	switch c.state {
	case NoToken:
		c.blocked(string(policy.ActionPlay), policy.ReasonNoToken, now)
	case Recording:
		c.blocked(string(policy.ActionPlay), policy.ReasonRecording, now)
	case TokenLoaded:
		return c.play(ctx, now)
	case Playing:
		return c.pause(ctx, now)
	case Paused:
		return c.resume(ctx, now)
	}
	return false
}

func (c *Controller) handleIntent(ctx context.Context, now time.Time) bool {
	var in intent.Intent
	select {
	case in = <-c.deps.Intents:
	default:
		return false
	}

	c.logger.Debug().Str("intent", string(in.Kind)).Str("state", c.state.String()).Msg("Voice intent")

	switch c.state {
	case NoToken:
		c.blocked(string(in.Kind), policy.ReasonNoToken, now)
		return false
	case Recording:
		c.blocked(string(in.Kind), policy.ReasonRecording, now)
		return false
	}

	switch in.Kind {
	case intent.Play, intent.Resume:
		switch c.state {
		case TokenLoaded:
			return c.play(ctx, now)
		case Paused:
			return c.resume(ctx, now)
		}
	case intent.Pause:
		if c.state == Playing {
			return c.pause(ctx, now)
		}
	case intent.Stop:
		if c.state == Playing || c.state == Paused {
			return c.stop(ctx, now)
		}
	case intent.Clear:
		return c.clearAssignment(ctx, now)
	}
	return false
}
