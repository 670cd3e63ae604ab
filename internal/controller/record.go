package controller

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/recorder"
)

// startRecording interrupts the current state to capture a recording for
// the loaded token.
func (c *Controller) startRecording(ctx context.Context, now time.Time) bool {
	prev := c.state
	wasPlaying := prev == Playing

	if wasPlaying {
		c.takePending()
		ioctx, cancel := c.io(ctx)
		if err := c.deps.Player.Pause(ioctx); err != nil {
			c.logger.Warn().Err(err).Msg("Pause before recording failed")
		}
		cancel()
	}

	if err := c.deps.Recorder.Start(c.token.ID, c.token.Name); err != nil {
		reason := "recorder"
		switch {
		case errors.Is(err, recorder.ErrInsufficientDisk):
			reason = "disk-full"
		case errors.Is(err, recorder.ErrBusy):
			reason = "recorder-busy"
		}
		c.logger.Warn().Err(err).Msg("Could not start recording")
		c.emitError(reason, now)
		if wasPlaying {
			c.setState(ctx, Paused, now)
			return true
		}
		return false
	}

	c.session = &RecordingSession{
		TokenID:    c.token.ID,
		StartedAt:  now,
		Previous:   prev,
		WasPlaying: wasPlaying,
	}
	c.setState(ctx, Recording, now)
	c.emit(feedback.RecordStart, now)
	return true
}

// saveRecording leaves Recording at once; the recorder finalises in the
// background.
func (c *Controller) saveRecording(ctx context.Context, now time.Time) {
	s := c.session
	c.session = nil

	next := TokenLoaded
	if s.Previous == Playing || s.Previous == Paused {
		next = Paused
	}
	c.setState(ctx, next, now)

	fctx := context.WithoutCancel(ctx)
	go func() {
		sctx, cancel := context.WithTimeout(fctx, c.opts.FinalizeTimeout)
		defer cancel()
		rec, err := c.deps.Recorder.Save(sctx)
		r := recorderResult{saved: true, tokenID: s.TokenID, err: err}
		if rec != nil {
			r.recordID = rec.ID
		}
		c.sendRecorderResult(r)
	}()
}

// cancelRecording restores exactly the state recording interrupted.
func (c *Controller) cancelRecording(ctx context.Context, now time.Time) {
	s := c.session
	c.session = nil

	go func() {
		c.sendRecorderResult(recorderResult{tokenID: s.TokenID, err: c.deps.Recorder.Cancel()})
	}()

	c.setState(ctx, s.Previous, now)
	c.emit(feedback.RecordCanceled, now)
	if s.WasPlaying {
		c.startPlayback(ctx, true, c.currentRef, Paused, now)
	}
}

func (c *Controller) sendRecorderResult(r recorderResult) {
	select {
	case c.recorderResults <- r:
	default:
		c.logger.Warn().Msg("Recorder result queue full")
	}
}

// drainRecorder reports one finished save or cancel.
func (c *Controller) drainRecorder(now time.Time) {
	var r recorderResult
	select {
	case r = <-c.recorderResults:
	default:
		return
	}

	if !r.saved {
		if r.err != nil {
			c.logger.Warn().Err(r.err).Msg("Cancel did not complete cleanly")
		}
		return
	}
	if r.err != nil {
		c.logger.Error().Err(r.err).Str("token", r.tokenID).Msg("Recording not saved")
		c.emitError("recording", now)
		return
	}
	c.deps.Feedback.Emit(feedback.Event{Kind: feedback.RecordSaved, Token: r.tokenID, At: now})
}
