package controller

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kspeaker/internal/backend"
	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/directory"
	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/hardware"
	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/intent"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/recorder"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/goodtune/kspeaker/internal/storage/badger"
	"github.com/goodtune/kspeaker/internal/usage"
	"github.com/rs/zerolog"
)

type fakeButtons struct {
	mu  sync.Mutex
	raw uint8
}

func (f *fakeButtons) Read(context.Context, time.Time) (uint8, *health.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw, nil
}

func (f *fakeButtons) set(b input.Button, pressed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bit := uint8(1) << input.DefaultBitMap[b]
	if pressed {
		f.raw &^= bit
	} else {
		f.raw |= bit
	}
}

type fakeTokens struct {
	mu   sync.Mutex
	read hardware.TokenRead
}

func (f *fakeTokens) Read(context.Context, time.Time) (hardware.TokenRead, *health.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read, nil
}

func (f *fakeTokens) set(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = hardware.TokenRead{ID: id, Present: id != ""}
}

// fakePlayer is an in-memory playback backend.
type fakePlayer struct {
	mu      sync.Mutex
	state   backend.State
	ref     string
	volume  int
	calls   []string
	playErr error
	gate    chan struct{} // when set, Play and Resume wait for it
	// lateStart makes an abandoned Play still start the track, as a request
	// already on the wire would.
	lateStart bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{state: backend.StateStopped, volume: 50}
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePlayer) wait(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) Play(ctx context.Context, ref string) error {
	p.record("play " + ref)
	if err := p.wait(ctx); err != nil {
		p.mu.Lock()
		if p.lateStart {
			p.state, p.ref = backend.StatePlaying, ref
		}
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.state, p.ref = backend.StatePlaying, ref
	return nil
}

func (p *fakePlayer) Resume(ctx context.Context) error {
	p.record("resume")
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.state = backend.StatePlaying
	return nil
}

func (p *fakePlayer) Pause(context.Context) error {
	p.record("pause")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = backend.StatePaused
	return nil
}

func (p *fakePlayer) Stop(context.Context) error {
	p.record("stop")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = backend.StateStopped
	return nil
}

func (p *fakePlayer) Status(context.Context) (backend.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return backend.Status{State: p.state, TrackRef: p.ref}, nil
}

func (p *fakePlayer) Volume(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume, nil
}

func (p *fakePlayer) SetVolume(_ context.Context, v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
	return nil
}

func (p *fakePlayer) setState(s backend.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *fakePlayer) count(call string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeFeedback struct {
	mu     sync.Mutex
	events []feedback.Event
}

func (f *fakeFeedback) Emit(ev feedback.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeFeedback) count(kind feedback.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeFeedback) last() feedback.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return feedback.Event{}
	}
	return f.events[len(f.events)-1]
}

// fileCapturer writes a fixed-size file for each capture.
type fileCapturer struct {
	mu     sync.Mutex
	starts int
	err    error
}

func (f *fileCapturer) Start(path string) (recorder.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts++
	if err := os.WriteFile(path, make([]byte, 2048), 0o644); err != nil {
		return nil, err
	}
	return fileCapture{}, nil
}

func (f *fileCapturer) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fileCapturer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fileCapture struct{}

func (fileCapture) Stop(time.Duration) error { return nil }

type harness struct {
	t        *testing.T
	ctx      context.Context
	c        *Controller
	buttons  *fakeButtons
	tokens   *fakeTokens
	player   *fakePlayer
	fb       *fakeFeedback
	capturer *fileCapturer
	store    *badger.Store
	dir      *directory.Client
	usage    *usage.Tracker
	intents  chan intent.Intent
	now      time.Time
	step     time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	store, err := badger.Open(config.BadgerConfig{InMemory: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	dir := directory.New(store.Tokens(), logger)
	tracker := usage.NewTracker(store.Usage(), usage.Config{FlushInterval: 10 * time.Second}, logger)
	engine := policy.NewEngine(store.Policy(), tracker, nil, logger)
	capturer := &fileCapturer{}
	rec := recorder.New(recorder.Options{Dir: t.TempDir()}, capturer, dir, store.Recordings(), nil, logger)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		buttons:  &fakeButtons{raw: hardware.IdleButtons},
		tokens:   &fakeTokens{},
		player:   newFakePlayer(),
		fb:       &fakeFeedback{},
		capturer: capturer,
		store:    store,
		dir:      dir,
		usage:    tracker,
		intents:  make(chan intent.Intent, 4),
		now:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.Local),
		step:     50 * time.Millisecond,
	}

	if opts.ConfirmReads == 0 {
		opts.ConfirmReads = 2
	}
	h.c = New(Deps{
		Buttons:    h.buttons,
		Tokens:     h.tokens,
		Player:     h.player,
		Directory:  dir,
		Recordings: store.Recordings(),
		Policy:     engine,
		Recorder:   rec,
		Usage:      tracker,
		Feedback:   h.fb,
		Intents:    h.intents,
	}, opts, logger)
	return h
}

func (h *harness) tick() {
	h.now = h.now.Add(h.step)
	h.c.Tick(h.ctx, h.now)
}

func (h *harness) ticks(n int) {
	for i := 0; i < n; i++ {
		h.tick()
	}
}

// until ticks until cond holds, giving background work time to finish.
func (h *harness) until(what string, cond func() bool) {
	h.t.Helper()
	for i := 0; i < 500; i++ {
		h.tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s (state %s)", what, h.c.State())
}

func (h *harness) requireState(want State) {
	h.t.Helper()
	if got := h.c.State(); got != want {
		h.t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) scan(id string) {
	h.tokens.set(id)
	h.ticks(2)
}

func (h *harness) tap(b input.Button) {
	h.buttons.set(b, true)
	h.tick()
	h.buttons.set(b, false)
	h.tick()
}

// hold presses b for d, measured from the press edge, then releases it.
func (h *harness) hold(b input.Button, d time.Duration) {
	h.buttons.set(b, true)
	h.tick()
	pressed := h.now
	for h.now.Sub(pressed) < d {
		h.tick()
	}
	h.buttons.set(b, false)
	h.tick()
}

func (h *harness) assign(id, ref string) {
	h.t.Helper()
	if _, err := h.dir.Resolve(h.ctx, id); err != nil {
		h.t.Fatal(err)
	}
	if err := h.dir.UpdateAssignment(h.ctx, id, ref, ref); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) putPolicy(s storage.PolicySettings) {
	h.t.Helper()
	if err := h.store.Policy().Put(h.ctx, s); err != nil {
		h.t.Fatal(err)
	}
}

// playConfirmed loads id with ref and plays until confirmed.
func (h *harness) playConfirmed(id, ref string) {
	h.t.Helper()
	h.scan(id)
	h.requireState(TokenLoaded)
	h.assign(id, ref)
	h.tap(input.PlayPause)
	h.requireState(Playing)
	h.until("playback confirmation", func() bool { return h.c.confirmed })
}
