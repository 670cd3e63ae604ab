package controller

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kspeaker/internal/backend"
	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/presence"
	"github.com/goodtune/kspeaker/internal/storage"
)

// handleArrival loads a newly scanned token.
func (c *Controller) handleArrival(ctx context.Context, edge presence.Edge, now time.Time) bool {
	if c.state == Recording {
		c.blocked("load", policy.ReasonRecording, now)
		return false
	}
	if c.token != nil && c.token.ID == edge.ID {
		c.logger.Debug().Str("token", edge.ID).Msg("Same token rescanned")
		return false
	}

	ioctx, cancel := c.io(ctx)
	token, err := c.deps.Directory.Resolve(ioctx, edge.ID)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Str("token", edge.ID).Msg("Could not resolve scanned token")
		c.emitError("directory", now)
		return false
	}

	if c.state == Playing || c.state == Paused {
		c.stopBackend(ctx)
	}

	c.token = &LoadedToken{ID: token.ID, Name: token.Name, TrackRef: token.TrackRef}
	c.currentRef = ""
	c.setState(ctx, TokenLoaded, now)
	c.emit(feedback.TokenLoaded, now)

	c.logger.Info().
		Str("token", token.ID).
		Str("name", token.Name).
		Str("track", token.TrackRef).
		Msg("Token loaded")
	return true
}

// play resolves the loaded token afresh and starts its track.
func (c *Controller) play(ctx context.Context, now time.Time) bool {
	ioctx, cancel := c.io(ctx)
	token, err := c.deps.Directory.Resolve(ioctx, c.token.ID)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Str("token", c.token.ID).Msg("Could not resolve token for play")
		c.emitError("directory", now)
		return false
	}
	c.token.Name = token.Name
	c.token.TrackRef = token.TrackRef

	if !c.allowed(ctx, policy.ActionPlay, token.TrackRef, now) {
		return false
	}
	c.startPlayback(ctx, false, token.TrackRef, TokenLoaded, now)
	return true
}

// playLatest plays the newest recording of the loaded token.
func (c *Controller) playLatest(ctx context.Context, now time.Time) bool {
	ioctx, cancel := c.io(ctx)
	rec, err := c.deps.Recordings.Latest(ioctx, c.token.ID)
	cancel()
	if errors.Is(err, storage.ErrNotFound) {
		c.blocked(string(policy.ActionPlay), policy.ReasonNoTrack, now)
		return false
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not look up latest recording")
		c.emitError("storage", now)
		return false
	}

	ref := rec.URI()
	if !c.allowed(ctx, policy.ActionPlay, ref, now) {
		return false
	}
	c.logger.Info().Str("recording_id", rec.ID).Msg("Playing latest recording")
	c.startPlayback(ctx, false, ref, TokenLoaded, now)
	return true
}

func (c *Controller) resume(ctx context.Context, now time.Time) bool {
	if !c.allowed(ctx, policy.ActionResume, c.currentRef, now) {
		return false
	}
	c.startPlayback(ctx, true, c.currentRef, Paused, now)
	return true
}

// allowed asks the policy engine and reports a block.
func (c *Controller) allowed(ctx context.Context, action policy.Action, ref string, now time.Time) bool {
	ioctx, cancel := c.io(ctx)
	d := c.deps.Policy.Check(ioctx, policy.Request{
		Action:   action,
		TokenID:  c.token.ID,
		TrackRef: ref,
		At:       now,
	})
	cancel()
	if d.Allowed {
		return true
	}
	c.blocked(string(action), d.Reason, now)
	return false
}

// startPlayback enters Playing and confirms it in the background. Until the
// result arrives Playing is unconfirmed and falls back on failure.
func (c *Controller) startPlayback(ctx context.Context, resume bool, ref string, fallback State, now time.Time) {
	c.takePending()

	c.gen++
	pctx, cancel := context.WithTimeout(ctx, c.opts.PlayTimeout)
	p := &pendingPlay{gen: c.gen, resume: resume, ref: ref, fallback: fallback, cancel: cancel}
	c.pending = p
	c.currentRef = ref
	c.setState(ctx, Playing, now)
	c.confirmed = false
	c.notPlayingSince = time.Time{}

	go func() {
		var err error
		if p.resume {
			err = c.deps.Player.Resume(pctx)
		} else {
			err = c.deps.Player.Play(pctx, p.ref)
		}
		select {
		case c.playResults <- playResult{gen: p.gen, err: err}:
		default:
			c.logger.Warn().Msg("Playback result queue full")
		}
	}()
}

// takePending abandons the in-flight confirmation, if any.
func (c *Controller) takePending() *pendingPlay {
	p := c.pending
	if p != nil {
		p.cancel()
		c.pending = nil
	}
	return p
}

func (c *Controller) handlePlayResult(ctx context.Context, now time.Time) bool {
	var r playResult
	select {
	case r = <-c.playResults:
	default:
		return false
	}

	if c.pending == nil || r.gen != c.pending.gen {
		c.logger.Debug().Uint64("gen", r.gen).Msg("Discarding stale playback result")
		// An abandoned request may still have started the backend.
		if r.gen == c.gen && r.err != nil && c.state != Playing {
			c.settle(ctx)
		}
		return false
	}
	p := c.takePending()

	if r.err != nil {
		reason := "backend"
		timedOut := isTimeout(r.err)
		if timedOut {
			reason = "backend-timeout"
		}
		c.logger.Warn().Err(r.err).Str("track", p.ref).Msg("Playback not confirmed")
		c.emitError(reason, now)
		c.setState(ctx, p.fallback, now)
		if timedOut {
			c.settle(ctx)
		}
		return true
	}

	c.confirmed = true
	c.deps.Usage.Start(now)
	c.lastRecheck = now
	c.notPlayingSince = time.Time{}
	c.enforceVolumeCap(ctx)
	c.emit(feedback.Play, now)

	c.logger.Info().Str("track", p.ref).Bool("resume", p.resume).Msg("Playback confirmed")
	return true
}

func isTimeout(err error) bool {
	return errors.Is(err, backend.ErrBackendTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// settle brings the backend in line with a non-playing state after a play
// or resume request was given up on.
func (c *Controller) settle(ctx context.Context) {
	ioctx, cancel := c.io(ctx)
	defer cancel()

	var err error
	if c.state == Paused || c.state == Recording {
		err = c.deps.Player.Pause(ioctx)
	} else {
		err = c.deps.Player.Stop(ioctx)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("state", c.state.String()).Msg("Could not settle backend")
	}
}

func (c *Controller) pause(ctx context.Context, now time.Time) bool {
	p := c.takePending()

	ioctx, cancel := c.io(ctx)
	err := c.deps.Player.Pause(ioctx)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Pause failed")
		c.emitError("backend", now)
		if p != nil {
			c.setState(ctx, p.fallback, now)
			return true
		}
		return false
	}

	c.setState(ctx, Paused, now)
	c.emit(feedback.Pause, now)
	return true
}

// stopBackend stops playback. Failures are logged; the device still leaves
// the playing states.
func (c *Controller) stopBackend(ctx context.Context) {
	c.takePending()
	ioctx, cancel := c.io(ctx)
	defer cancel()
	if err := c.deps.Player.Stop(ioctx); err != nil {
		c.logger.Warn().Err(err).Msg("Stop failed")
	}
}

func (c *Controller) stop(ctx context.Context, now time.Time) bool {
	c.stopBackend(ctx)
	c.setState(ctx, TokenLoaded, now)
	c.emit(feedback.Stop, now)
	return true
}

// clearToken unloads the token.
func (c *Controller) clearToken(ctx context.Context, now time.Time) bool {
	if c.state == Playing || c.state == Paused {
		c.stopBackend(ctx)
	}
	c.setState(ctx, NoToken, now)
	c.emit(feedback.TokenCleared, now)
	c.logger.Info().Str("token", c.token.ID).Msg("Token cleared")
	c.token = nil
	c.currentRef = ""
	return true
}

// clearAssignment removes the loaded token's track in the directory.
func (c *Controller) clearAssignment(ctx context.Context, now time.Time) bool {
	ioctx, cancel := c.io(ctx)
	err := c.deps.Directory.ClearAssignment(ioctx, c.token.ID)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not clear assignment")
		c.emitError("directory", now)
		return false
	}

	if c.state == Playing || c.state == Paused {
		c.stopBackend(ctx)
	}
	c.token.TrackRef = ""
	c.currentRef = ""
	c.setState(ctx, TokenLoaded, now)
	c.emit(feedback.TokenCleared, now)
	return true
}

// stepVolume changes the mixer volume, never above the policy cap.
func (c *Controller) stepVolume(ctx context.Context, delta int, now time.Time) {
	ioctx, cancel := c.io(ctx)
	defer cancel()

	vol, err := c.deps.Player.Volume(ioctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not read volume")
		c.emitError("backend", now)
		return
	}
	target := c.deps.Policy.ClampVolume(ioctx, vol+delta)
	if target != vol {
		if err := c.deps.Player.SetVolume(ioctx, target); err != nil {
			c.logger.Warn().Err(err).Msg("Could not set volume")
			c.emitError("backend", now)
			return
		}
	}
	c.deps.Feedback.Emit(feedback.Event{Kind: feedback.Volume, Volume: target, At: now})
}

func (c *Controller) enforceVolumeCap(ctx context.Context) {
	ioctx, cancel := c.io(ctx)
	defer cancel()

	vol, err := c.deps.Player.Volume(ioctx)
	if err != nil {
		return
	}
	capped := c.deps.Policy.ClampVolume(ioctx, vol)
	if capped == vol {
		return
	}
	if err := c.deps.Player.SetVolume(ioctx, capped); err != nil {
		c.logger.Warn().Err(err).Msg("Could not apply volume cap")
		return
	}
	c.logger.Info().Int("from", vol).Int("to", capped).Msg("Volume capped")
}

// monitor re-checks policy and watches for the end of the track.
func (c *Controller) monitor(ctx context.Context, now time.Time) bool {
	if c.state != Playing || !c.confirmed {
		return false
	}

	if now.Sub(c.lastRecheck) >= c.opts.RecheckInterval {
		c.lastRecheck = now
		if !c.allowed(ctx, policy.ActionContinue, c.currentRef, now) {
			ioctx, cancel := c.io(ctx)
			if err := c.deps.Player.Pause(ioctx); err != nil {
				c.logger.Warn().Err(err).Msg("Pause after policy block failed")
			}
			cancel()
			c.setState(ctx, Paused, now)
			return true
		}
		c.enforceVolumeCap(ctx)
	}

	ioctx, cancel := c.io(ctx)
	st, err := c.deps.Player.Status(ioctx)
	cancel()
	if err != nil {
		return false
	}
	if st.State == backend.StatePlaying {
		c.notPlayingSince = time.Time{}
		return false
	}
	if c.notPlayingSince.IsZero() {
		c.notPlayingSince = now
		return false
	}
	if now.Sub(c.notPlayingSince) < c.opts.MinPlaybackDuration {
		return false
	}
	c.notPlayingSince = time.Time{}

	if st.State == backend.StatePaused {
		c.logger.Info().Msg("Backend paused externally")
		c.setState(ctx, Paused, now)
		c.emit(feedback.Pause, now)
		return true
	}
	c.logger.Info().Str("track", c.currentRef).Msg("Track finished")
	c.setState(ctx, TokenLoaded, now)
	c.emit(feedback.Stop, now)
	return true
}
