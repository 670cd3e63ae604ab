package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/goodtune/kspeaker/internal/backend"
	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/hardware"
	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/intent"
	"github.com/goodtune/kspeaker/internal/recorder"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
)

func requireBlocked(t *testing.T, h *harness, reason string) {
	t.Helper()
	ev := h.fb.last()
	if ev.Kind != feedback.Blocked || ev.Reason != reason {
		t.Fatalf("last feedback = %s(%s), want blocked(%s)", ev.Kind, ev.Reason, reason)
	}
}

func TestUnregisteredTokenSession(t *testing.T) {
	h := newHarness(t, Options{})

	h.scan("X")
	h.requireState(TokenLoaded)
	if _, err := h.store.Tokens().Get(h.ctx, "X"); err != nil {
		t.Fatalf("scanned token not registered: %v", err)
	}
	if tok := h.c.Token(); tok == nil || tok.TrackRef != "" {
		t.Fatalf("loaded token = %+v, want no track", tok)
	}

	h.tap(input.PlayPause)
	h.requireState(TokenLoaded)
	requireBlocked(t, h, "no-track")

	h.assign("X", "file:///music/song.mp3")
	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.until("play confirmation", func() bool { return h.c.confirmed })
	if st, _ := h.player.Status(h.ctx); st.TrackRef != "file:///music/song.mp3" {
		t.Errorf("backend playing %q", st.TrackRef)
	}

	h.tap(input.PlayPause)
	h.requireState(Paused)

	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.until("resume confirmation", func() bool { return h.c.confirmed })
	if n := h.player.count("resume"); n != 1 {
		t.Errorf("resume calls = %d, want 1", n)
	}

	h.tap(input.Stop)
	h.requireState(TokenLoaded)
	if n := h.player.count("stop"); n != 1 {
		t.Errorf("stop calls = %d, want 1", n)
	}
}

func TestPlayWithoutToken(t *testing.T) {
	h := newHarness(t, Options{})

	h.tap(input.PlayPause)
	h.requireState(NoToken)
	requireBlocked(t, h, "no-token")

	h.intents <- intent.Intent{Kind: intent.Play}
	h.tick()
	requireBlocked(t, h, "no-token")
}

func TestSameTokenRescan(t *testing.T) {
	h := newHarness(t, Options{})

	h.scan("A")
	h.requireState(TokenLoaded)
	loaded := h.fb.count(feedback.TokenLoaded)

	// Lift and put back
	h.scan("")
	h.scan("A")
	h.requireState(TokenLoaded)

	h.assign("A", "file:///a.mp3")
	h.tap(input.PlayPause)
	h.until("play confirmation", func() bool { return h.c.confirmed })

	h.scan("")
	h.scan("A")
	h.ticks(5)
	h.requireState(Playing)
	if n := h.fb.count(feedback.TokenLoaded); n != loaded {
		t.Errorf("token_loaded events = %d, want %d", n, loaded)
	}
	if n := h.player.count("stop"); n != 0 {
		t.Errorf("rescan stopped playback %d times", n)
	}
}

func TestDifferentTokenReplacesSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")

	h.scan("B")
	h.requireState(TokenLoaded)
	if tok := h.c.Token(); tok == nil || tok.ID != "B" {
		t.Fatalf("loaded token = %+v, want B", tok)
	}
	if n := h.player.count("stop"); n != 1 {
		t.Errorf("stop calls = %d, want 1", n)
	}
}

func TestTokenRemovalKeepsToken(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")

	h.scan("")
	h.ticks(5)
	h.requireState(Playing)
	if h.c.Token() == nil {
		t.Fatal("token unloaded on removal")
	}
}

func TestArrivalDeferredBehindPlayResult(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")

	gate := make(chan struct{})
	h.player.mu.Lock()
	h.player.gate = gate
	h.player.mu.Unlock()

	h.tap(input.PlayPause)
	h.requireState(Playing)

	// First of the two confirming reads
	h.tokens.set("B")
	h.tick()

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.c.playResults) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("play result never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	// Arrival and play result land on the same tick; the result wins
	h.tick()
	h.requireState(Playing)
	if !h.c.confirmed {
		t.Fatal("play result not handled first")
	}
	if tok := h.c.Token(); tok.ID != "A" {
		t.Fatalf("token = %s, want A until next tick", tok.ID)
	}

	h.tick()
	h.requireState(TokenLoaded)
	if tok := h.c.Token(); tok.ID != "B" {
		t.Errorf("token = %s, want B", tok.ID)
	}
}

func TestCancelRecordingRestoresState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  State
	}{
		{
			name:  "token loaded",
			setup: func(h *harness) { h.scan("A") },
			want:  TokenLoaded,
		},
		{
			name: "paused",
			setup: func(h *harness) {
				h.playConfirmed("A", "file:///a.mp3")
				h.tap(input.PlayPause)
			},
			want: Paused,
		},
		{
			name:  "playing",
			setup: func(h *harness) { h.playConfirmed("A", "file:///a.mp3") },
			want:  Playing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tt.setup(h)
			h.requireState(tt.want)

			h.hold(input.Record, 3*time.Second)
			h.requireState(Recording)
			if s := h.c.Session(); s == nil || s.Previous != tt.want {
				t.Fatalf("session = %+v", s)
			}

			h.tap(input.Stop)
			h.requireState(tt.want)
			if h.c.Session() != nil {
				t.Error("session kept after cancel")
			}
			if n := h.fb.count(feedback.RecordCanceled); n != 1 {
				t.Errorf("record_canceled events = %d", n)
			}

			if tt.want == Playing {
				h.until("resume after cancel", func() bool { return h.c.confirmed })
				st, _ := h.player.Status(h.ctx)
				if st.State != backend.StatePlaying || st.TrackRef != "file:///a.mp3" {
					t.Errorf("backend = %+v, want playing a.mp3", st)
				}
			}
		})
	}
}

func TestCancelRecordingByLongStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.hold(input.Record, 3*time.Second)
	h.requireState(Recording)

	h.hold(input.Stop, 3*time.Second)
	h.requireState(TokenLoaded)
	if h.c.Token() == nil {
		t.Fatal("long stop while recording cleared the token")
	}
}

func TestSaveUsesCurrentAssignment(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///old.mp3")

	h.hold(input.Record, 3*time.Second)
	h.requireState(Recording)

	h.assign("A", "file:///new.mp3")
	h.tap(input.Record)
	h.requireState(TokenLoaded)
	h.until("record saved", func() bool { return h.fb.count(feedback.RecordSaved) == 1 })

	rec, err := h.store.Recordings().Latest(h.ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TrackRef != "file:///new.mp3" {
		t.Errorf("recording track = %q, want new.mp3", rec.TrackRef)
	}
}

func TestSaveAfterPlayingLeavesPaused(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")

	h.hold(input.Record, 3*time.Second)
	h.requireState(Recording)
	if st, _ := h.player.Status(h.ctx); st.State != backend.StatePaused {
		t.Fatalf("backend %s while recording", st.State)
	}

	h.tap(input.Record)
	h.requireState(Paused)
}

func TestRecordHoldThreshold(t *testing.T) {
	const threshold = 3 * time.Second

	t.Run("exact hold fires once", func(t *testing.T) {
		h := newHarness(t, Options{RecordHold: threshold})
		h.scan("A")

		h.buttons.set(input.Record, true)
		h.tick()
		pressed := h.now
		for h.now.Sub(pressed) < threshold {
			h.tick()
			if h.now.Sub(pressed) < threshold {
				h.requireState(TokenLoaded)
			}
		}
		h.requireState(Recording)

		// Keep holding well past the threshold
		h.ticks(60)
		h.buttons.set(input.Record, false)
		h.tick()

		h.requireState(Recording)
		if n := h.capturer.count(); n != 1 {
			t.Errorf("captures started = %d, want 1", n)
		}
	})

	t.Run("release one tick early", func(t *testing.T) {
		h := newHarness(t, Options{RecordHold: threshold})
		h.scan("A")

		h.buttons.set(input.Record, true)
		h.tick()
		pressed := h.now
		for h.now.Sub(pressed) < threshold-h.step {
			h.tick()
		}
		h.buttons.set(input.Record, false)
		h.tick()
		h.ticks(10)

		h.requireState(TokenLoaded)
		if n := h.capturer.count(); n != 0 {
			t.Errorf("captures started = %d, want 0", n)
		}
	})
}

func TestRecordWithoutToken(t *testing.T) {
	h := newHarness(t, Options{})
	h.hold(input.Record, 3*time.Second)
	h.requireState(NoToken)
	requireBlocked(t, h, "no-token")
}

func TestRecordStartFailureWhilePlaying(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")
	h.capturer.fail(errors.New("no capture device"))

	h.hold(input.Record, 3*time.Second)
	h.requireState(Paused)
	if ev := h.fb.last(); ev.Kind != feedback.Error || ev.Reason != "recorder" {
		t.Errorf("last feedback = %s(%s), want error(recorder)", ev.Kind, ev.Reason)
	}
}

func TestRecordingAutoStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.deps.Recorder = recorder.New(recorder.Options{
		Dir:         t.TempDir(),
		MaxDuration: 100 * time.Millisecond,
	}, h.capturer, h.dir, h.store.Recordings(), nil, zerolog.Nop())

	h.scan("A")
	h.hold(input.Record, 3*time.Second)
	if n := h.capturer.count(); n != 1 {
		t.Fatalf("captures started = %d, want 1", n)
	}

	h.until("auto stop", func() bool { return h.c.State() == TokenLoaded })
	h.until("record saved", func() bool { return h.fb.count(feedback.RecordSaved) == 1 })
}

func TestArrivalWhileRecording(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.hold(input.Record, 3*time.Second)

	h.scan("B")
	h.requireState(Recording)
	requireBlocked(t, h, "recording")
	if tok := h.c.Token(); tok.ID != "A" {
		t.Errorf("token = %s, want A", tok.ID)
	}
}

func TestPlayLatestRecording(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")

	h.hold(input.PlayPause, 2*time.Second)
	h.requireState(TokenLoaded)
	requireBlocked(t, h, "no-track")

	h.hold(input.Record, 3*time.Second)
	h.tap(input.Record)
	h.until("record saved", func() bool { return h.fb.count(feedback.RecordSaved) == 1 })
	rec, err := h.store.Recordings().Latest(h.ctx, "A")
	if err != nil {
		t.Fatal(err)
	}

	h.hold(input.PlayPause, 2*time.Second)
	h.requireState(Playing)
	h.until("play confirmation", func() bool { return h.c.confirmed })
	if st, _ := h.player.Status(h.ctx); st.TrackRef != rec.URI() {
		t.Errorf("backend playing %q, want %q", st.TrackRef, rec.URI())
	}
}

func TestBackendTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")
	h.player.mu.Lock()
	h.player.playErr = backend.ErrBackendTimeout
	h.player.mu.Unlock()

	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.until("fallback", func() bool { return h.c.State() == TokenLoaded })
	if ev := h.fb.last(); ev.Kind != feedback.Error || ev.Reason != "backend-timeout" {
		t.Errorf("last feedback = %s(%s), want error(backend-timeout)", ev.Kind, ev.Reason)
	}
}

func TestPlayDeadlineReportsTimeout(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")
	h.player.mu.Lock()
	h.player.playErr = fmt.Errorf("core.tracklist.add: %w", context.DeadlineExceeded)
	h.player.mu.Unlock()

	h.tap(input.PlayPause)
	h.until("fallback", func() bool { return h.c.State() == TokenLoaded })
	if ev := h.fb.last(); ev.Kind != feedback.Error || ev.Reason != "backend-timeout" {
		t.Errorf("last feedback = %s(%s), want error(backend-timeout)", ev.Kind, ev.Reason)
	}
	if n := h.player.count("stop"); n != 1 {
		t.Errorf("stop calls after timeout = %d, want 1", n)
	}
}

func TestAbandonedPlayIsSettled(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")
	h.player.mu.Lock()
	h.player.gate = make(chan struct{})
	h.player.lateStart = true
	h.player.mu.Unlock()

	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.tap(input.Stop)
	h.requireState(TokenLoaded)

	h.until("backend settled", func() bool {
		st, _ := h.player.Status(h.ctx)
		return h.player.count("stop") == 2 && st.State == backend.StateStopped
	})
	h.requireState(TokenLoaded)
}

func TestResumeFailureStaysPaused(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")
	h.tap(input.PlayPause)
	h.requireState(Paused)

	h.player.mu.Lock()
	h.player.playErr = errors.New("connection refused")
	h.player.mu.Unlock()

	h.tap(input.PlayPause)
	h.until("fallback", func() bool { return h.c.State() == Paused })
	if ev := h.fb.last(); ev.Kind != feedback.Error || ev.Reason != "backend" {
		t.Errorf("last feedback = %s(%s), want error(backend)", ev.Kind, ev.Reason)
	}
}

func TestQuietHoursBlockPlay(t *testing.T) {
	h := newHarness(t, Options{})
	h.now = time.Date(2026, 3, 2, 23, 0, 0, 0, time.Local)
	settings := storage.DefaultPolicySettings()
	settings.Enabled = true
	settings.QuietHours.Enabled = true
	h.putPolicy(settings)

	h.scan("A")
	h.assign("A", "file:///a.mp3")
	h.tap(input.PlayPause)
	h.requireState(TokenLoaded)
	requireBlocked(t, h, "quiet-hours")
	if n := h.player.count("play file:///a.mp3"); n != 0 {
		t.Errorf("backend asked to play %d times", n)
	}
}

func TestPolicyRecheckPausesPlayback(t *testing.T) {
	h := newHarness(t, Options{RecheckInterval: time.Second})
	h.playConfirmed("A", "file:///a.mp3")

	settings := storage.DefaultPolicySettings()
	settings.Enabled = true
	settings.QuietHours = storage.QuietHours{Enabled: true, Start: "14:00", End: "16:00"}
	h.putPolicy(settings)

	h.until("policy pause", func() bool { return h.c.State() == Paused })
	requireBlocked(t, h, "quiet-hours")
	if st, _ := h.player.Status(h.ctx); st.State != backend.StatePaused {
		t.Errorf("backend state = %s, want paused", st.State)
	}
}

func TestDailyLimitCountsOnlyPlaying(t *testing.T) {
	h := newHarness(t, Options{})
	h.step = time.Second

	settings := storage.DefaultPolicySettings()
	settings.Enabled = true
	settings.DailyLimitMinutes = 30
	h.putPolicy(settings)

	h.playConfirmed("A", "file:///a.mp3")
	start := h.now

	h.ticks(20 * 60)
	h.tap(input.PlayPause)
	h.requireState(Paused)

	// Paused time is not charged
	h.ticks(15 * 60)
	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.until("resume confirmation", func() bool { return h.c.confirmed })

	h.ticks(9 * 60)
	h.requireState(Playing)
	h.until("daily limit", func() bool { return h.c.State() == Paused })
	requireBlocked(t, h, "daily-limit")
	if elapsed := h.now.Sub(start); elapsed < 44*time.Minute {
		t.Errorf("limit reached after %v wall time, paused time was charged", elapsed)
	}

	h.tap(input.PlayPause)
	h.requireState(Paused)
	requireBlocked(t, h, "daily-limit")
}

func TestTrackFinished(t *testing.T) {
	h := newHarness(t, Options{MinPlaybackDuration: 2 * time.Second})
	h.playConfirmed("A", "file:///a.mp3")

	// A short gap is not the end of the track
	h.player.setState(backend.StateStopped)
	h.ticks(20)
	h.player.setState(backend.StatePlaying)
	h.ticks(60)
	h.requireState(Playing)

	h.player.setState(backend.StateStopped)
	h.ticks(39)
	h.requireState(Playing)
	h.ticks(5)
	h.requireState(TokenLoaded)
	if h.c.Token() == nil {
		t.Error("token unloaded when track finished")
	}
}

func TestExternalPause(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")

	h.player.setState(backend.StatePaused)
	h.ticks(60)
	h.requireState(Paused)
}

func TestVolumeClampedToPolicy(t *testing.T) {
	h := newHarness(t, Options{VolumeStep: 5})
	settings := storage.DefaultPolicySettings()
	settings.Enabled = true
	settings.VolumeLimit = 60
	h.putPolicy(settings)
	h.player.volume = 58

	h.tap(input.VolumeUp)
	if h.player.volume != 60 {
		t.Fatalf("volume = %d, want 60", h.player.volume)
	}
	if ev := h.fb.last(); ev.Kind != feedback.Volume || ev.Volume != 60 {
		t.Errorf("last feedback = %+v", ev)
	}

	h.tap(input.VolumeUp)
	if h.player.volume != 60 {
		t.Errorf("volume = %d after second step, want 60", h.player.volume)
	}

	h.tap(input.VolumeDown)
	if h.player.volume != 55 {
		t.Errorf("volume = %d, want 55", h.player.volume)
	}
}

func TestPlaybackAppliesVolumeCap(t *testing.T) {
	h := newHarness(t, Options{})
	settings := storage.DefaultPolicySettings()
	settings.Enabled = true
	settings.VolumeLimit = 40
	h.putPolicy(settings)
	h.player.volume = 90

	h.playConfirmed("A", "file:///a.mp3")
	h.player.mu.Lock()
	vol := h.player.volume
	h.player.mu.Unlock()
	if vol != 40 {
		t.Errorf("volume = %d, want capped to 40", vol)
	}
}

func TestClearTokenLongStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.playConfirmed("A", "file:///a.mp3")

	h.hold(input.Stop, 3*time.Second)
	h.requireState(NoToken)
	if h.c.Token() != nil {
		t.Error("token still loaded")
	}
	if n := h.player.count("stop"); n != 1 {
		t.Errorf("stop calls = %d, want 1", n)
	}
}

func TestHoldAcrossTokenArrival(t *testing.T) {
	for _, b := range []input.Button{input.Stop, input.PlayPause} {
		t.Run(b.String(), func(t *testing.T) {
			h := newHarness(t, Options{})
			h.buttons.set(b, true)
			h.ticks(80)
			h.requireState(NoToken)

			h.scan("A")
			h.requireState(TokenLoaded)
			h.ticks(20)
			h.buttons.set(b, false)
			h.ticks(2)

			h.requireState(TokenLoaded)
			if tok := h.c.Token(); tok == nil || tok.ID != "A" {
				t.Fatalf("token = %v, want A", tok)
			}
			if n := h.fb.count(feedback.Blocked); n != 0 {
				t.Errorf("blocked feedback = %d, want 0", n)
			}
			h.player.mu.Lock()
			calls := append([]string(nil), h.player.calls...)
			h.player.mu.Unlock()
			if len(calls) != 0 {
				t.Errorf("backend calls = %v, want none", calls)
			}
		})
	}
}

func TestIntents(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.assign("A", "file:///a.mp3")

	h.intents <- intent.Intent{Kind: intent.Play}
	h.tick()
	h.requireState(Playing)
	h.until("play confirmation", func() bool { return h.c.confirmed })

	h.intents <- intent.Intent{Kind: intent.Pause}
	h.tick()
	h.requireState(Paused)

	h.intents <- intent.Intent{Kind: intent.Resume}
	h.tick()
	h.requireState(Playing)
	h.until("resume confirmation", func() bool { return h.c.confirmed })

	h.intents <- intent.Intent{Kind: intent.Clear}
	h.tick()
	h.requireState(TokenLoaded)
	tok, err := h.store.Tokens().Get(h.ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if tok.TrackRef != "" {
		t.Errorf("assignment = %q after clear", tok.TrackRef)
	}
	if n := h.fb.count(feedback.TokenCleared); n != 1 {
		t.Errorf("token_cleared events = %d", n)
	}

	h.hold(input.Record, 3*time.Second)
	h.intents <- intent.Intent{Kind: intent.Play}
	h.tick()
	h.requireState(Recording)
	requireBlocked(t, h, "recording")
}

type failedButtons struct{}

func (failedButtons) Read(context.Context, time.Time) (uint8, *health.Transition) {
	return hardware.IdleButtons, &health.Transition{
		Device: "buttons",
		From:   health.StatusDegraded,
		To:     health.StatusFailed,
	}
}

func TestDeviceFailureFeedback(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.deps.Buttons = failedButtons{}
	h.tick()
	if ev := h.fb.last(); ev.Kind != feedback.Error || ev.Reason != "buttons-failed" {
		t.Errorf("last feedback = %s(%s), want error(buttons-failed)", ev.Kind, ev.Reason)
	}
}

type panicButtons struct{}

func (panicButtons) Read(context.Context, time.Time) (uint8, *health.Transition) {
	panic("bus exploded")
}

func TestSafeTickRecovers(t *testing.T) {
	h := newHarness(t, Options{})
	h.scan("A")
	h.c.deps.Buttons = panicButtons{}

	h.c.safeTick(h.ctx, h.now.Add(h.step))
	h.requireState(TokenLoaded)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{PollInterval: 5 * time.Millisecond})
	beats := make(chan struct{}, 1)
	h.c.opts.Heartbeat = func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

// Random input never leaves the device outside its five states, and a
// recording session exists exactly while Recording.
func TestRandomInputKeepsInvariants(t *testing.T) {
	h := newHarness(t, Options{})
	h.assign("A", "file:///a.mp3")
	h.assign("B", "file:///b.mp3")

	rng := rand.New(rand.NewSource(7))
	buttons := []input.Button{input.PlayPause, input.Stop, input.Record, input.VolumeUp, input.VolumeDown}
	tokens := []string{"", "A", "B"}

	for i := 0; i < 3000; i++ {
		switch rng.Intn(10) {
		case 0:
			h.tokens.set(tokens[rng.Intn(len(tokens))])
		case 1, 2:
			h.buttons.set(buttons[rng.Intn(len(buttons))], rng.Intn(2) == 0)
		case 3:
			select {
			case h.intents <- intent.Intent{Kind: intent.Pause}:
			default:
			}
		}
		h.tick()

		s := h.c.State()
		valid := false
		for _, known := range States {
			valid = valid || s == known
		}
		if !valid {
			t.Fatalf("tick %d: invalid state %d", i, s)
		}
		if (s == Recording) != (h.c.Session() != nil) {
			t.Fatalf("tick %d: state %s with session %+v", i, s, h.c.Session())
		}
		if s != NoToken && h.c.Token() == nil {
			t.Fatalf("tick %d: state %s without token", i, s)
		}
	}
}
