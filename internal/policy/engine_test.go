package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/policy/opa"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/goodtune/kspeaker/internal/storage/badger"
	"github.com/rs/zerolog"
)

type fakeUsage struct {
	mu   sync.Mutex
	used time.Duration
	err  error
}

func (f *fakeUsage) TodayUsage(context.Context, time.Time) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used, f.err
}

// flakyPolicyStore fails reads while broken is set.
type flakyPolicyStore struct {
	storage.PolicyStore
	broken bool
}

func (f *flakyPolicyStore) Get(ctx context.Context) (*storage.PolicySettings, error) {
	if f.broken {
		return nil, errors.New("connection refused")
	}
	return f.PolicyStore.Get(ctx)
}

func newPolicyStore(t *testing.T) storage.PolicyStore {
	t.Helper()
	s, err := badger.Open(config.BadgerConfig{InMemory: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.Policy()
}

func evaluators(t *testing.T) map[string]Evaluator {
	t.Helper()
	engine, err := opa.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("opa.NewEngine: %v", err)
	}
	return map[string]Evaluator{
		"native": NativeEvaluator{},
		"rego":   NewRegoEvaluator(engine),
	}
}

func enabledSettings() storage.PolicySettings {
	s := storage.DefaultPolicySettings()
	s.Enabled = true
	s.QuietHours = storage.QuietHours{Enabled: true, Start: "21:00", End: "07:00"}
	s.DailyLimitMinutes = 30
	return s
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.Local)
}

func TestEngineCheck(t *testing.T) {
	const track = "local:track:song.mp3"

	tests := []struct {
		name     string
		settings *storage.PolicySettings
		mutate   func(*storage.PolicySettings)
		used     time.Duration
		req      Request
		want     Decision
	}{
		{
			name: "no settings stored allows",
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(23, 0)},
			want: Allow(),
		},
		{
			name: "play without track",
			req:  Request{Action: ActionPlay, TokenID: "04a1", At: at(12, 0)},
			want: Block(ReasonNoTrack),
		},
		{
			name: "quiet hours late evening",
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(23, 0)},
			want: Block(ReasonQuietHours),
		},
		{
			name: "quiet hours after midnight",
			req:  Request{Action: ActionResume, TokenID: "04a1", At: at(3, 0)},
			want: Block(ReasonQuietHours),
		},
		{
			name: "quiet hours end exclusive",
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(7, 0)},
			want: Allow(),
		},
		{
			name: "daily limit reached",
			used: 30 * time.Minute,
			req:  Request{Action: ActionContinue, TokenID: "04a1", At: at(12, 0)},
			want: Block(ReasonDailyLimit),
		},
		{
			name: "daily limit not yet reached",
			used: 29*time.Minute + 59*time.Second,
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(12, 0)},
			want: Allow(),
		},
		{
			name: "blacklisted token",
			mutate: func(s *storage.PolicySettings) {
				s.AccessList = []string{"04a1"}
			},
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(12, 0)},
			want: Block(ReasonAccessDenied),
		},
		{
			name: "whitelist excludes others",
			mutate: func(s *storage.PolicySettings) {
				s.AccessMode = storage.AccessWhitelist
				s.AccessList = []string{"04ff"}
			},
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(12, 0)},
			want: Block(ReasonAccessDenied),
		},
		{
			name: "disabled policy ignores limits",
			mutate: func(s *storage.PolicySettings) {
				s.Enabled = false
			},
			used: time.Hour,
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(23, 0)},
			want: Allow(),
		},
		{
			name: "invalid quiet hours are ignored",
			mutate: func(s *storage.PolicySettings) {
				s.QuietHours.Start = "9pm"
			},
			req:  Request{Action: ActionPlay, TokenID: "04a1", TrackRef: track, At: at(23, 0)},
			want: Allow(),
		},
	}

	for evalName, evaluator := range evaluators(t) {
		for i, tt := range tests {
			t.Run(evalName+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				store := newPolicyStore(t)
				if i > 0 {
					s := enabledSettings()
					if tt.mutate != nil {
						tt.mutate(&s)
					}
					if err := store.Put(ctx, s); err != nil {
						t.Fatal(err)
					}
				}

				e := NewEngine(store, &fakeUsage{used: tt.used}, evaluator, zerolog.Nop())
				if got := e.Check(ctx, tt.req); got != tt.want {
					t.Errorf("Check() = %s, want %s", got, tt.want)
				}
			})
		}
	}
}

func TestEngineReadsSettingsFresh(t *testing.T) {
	ctx := context.Background()
	store := newPolicyStore(t)
	e := NewEngine(store, &fakeUsage{}, nil, zerolog.Nop())
	req := Request{Action: ActionResume, TokenID: "04a1", At: at(22, 0)}

	if d := e.Check(ctx, req); !d.Allowed {
		t.Fatalf("before settings change: %s", d)
	}
	if err := store.Put(ctx, enabledSettings()); err != nil {
		t.Fatal(err)
	}
	if d := e.Check(ctx, req); d != Block(ReasonQuietHours) {
		t.Errorf("after settings change: %s", d)
	}
}

func TestEngineStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyPolicyStore{PolicyStore: newPolicyStore(t)}
	req := Request{Action: ActionResume, TokenID: "04a1", At: at(22, 0)}

	t.Run("defaults without previous read", func(t *testing.T) {
		store.broken = true
		e := NewEngine(store, &fakeUsage{}, nil, zerolog.Nop())
		if d := e.Check(ctx, req); !d.Allowed {
			t.Errorf("Check() = %s, want allowed by defaults", d)
		}
	})

	t.Run("last good snapshot", func(t *testing.T) {
		store.broken = false
		if err := store.Put(ctx, enabledSettings()); err != nil {
			t.Fatal(err)
		}
		e := NewEngine(store, &fakeUsage{}, nil, zerolog.Nop())
		if d := e.Check(ctx, req); d.Allowed {
			t.Fatalf("Check() = %s, want quiet hours", d)
		}
		store.broken = true
		if d := e.Check(ctx, req); d != Block(ReasonQuietHours) {
			t.Errorf("Check() with broken store = %s, want last known quiet hours", d)
		}
	})
}

func TestEngineUsageFailureUsesLastSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newPolicyStore(t)
	if err := store.Put(ctx, enabledSettings()); err != nil {
		t.Fatal(err)
	}
	usage := &fakeUsage{used: time.Hour}
	e := NewEngine(store, usage, nil, zerolog.Nop())
	req := Request{Action: ActionContinue, TokenID: "04a1", At: at(12, 0)}

	if d := e.Check(ctx, req); d != Block(ReasonDailyLimit) {
		t.Fatalf("Check() = %s", d)
	}
	usage.mu.Lock()
	usage.err = errors.New("usage store down")
	usage.mu.Unlock()
	if d := e.Check(ctx, req); d != Block(ReasonDailyLimit) {
		t.Errorf("Check() with usage failure = %s, want daily limit", d)
	}
}

func TestEngineUsesClock(t *testing.T) {
	ctx := context.Background()
	store := newPolicyStore(t)
	if err := store.Put(ctx, enabledSettings()); err != nil {
		t.Fatal(err)
	}
	clock := &TestClock{CurrentTime: at(20, 59)}
	e := NewEngine(store, &fakeUsage{}, nil, zerolog.Nop())
	e.SetClock(clock)

	req := Request{Action: ActionResume, TokenID: "04a1"}
	if d := e.Check(ctx, req); !d.Allowed {
		t.Fatalf("20:59 = %s", d)
	}
	clock.Advance(time.Minute)
	if d := e.Check(ctx, req); d != Block(ReasonQuietHours) {
		t.Errorf("21:00 = %s", d)
	}
}

func TestClampVolume(t *testing.T) {
	ctx := context.Background()
	store := newPolicyStore(t)
	e := NewEngine(store, nil, nil, zerolog.Nop())

	if got := e.ClampVolume(ctx, 90); got != 90 {
		t.Errorf("no settings: ClampVolume(90) = %d", got)
	}

	s := enabledSettings()
	s.VolumeLimit = 60
	if err := store.Put(ctx, s); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in, want int
	}{
		{90, 60},
		{60, 60},
		{40, 40},
		{-5, 0},
	}
	for _, tt := range tests {
		if got := e.ClampVolume(ctx, tt.in); got != tt.want {
			t.Errorf("ClampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}

	s.Enabled = false
	if err := store.Put(ctx, s); err != nil {
		t.Fatal(err)
	}
	if got := e.ClampVolume(ctx, 90); got != 90 {
		t.Errorf("disabled: ClampVolume(90) = %d", got)
	}
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, Facts) (Decision, error) {
	return Decision{}, errors.New("rego: undefined decision")
}

func TestEvaluatorErrorFallsBackToNative(t *testing.T) {
	ctx := context.Background()
	store := newPolicyStore(t)
	if err := store.Put(ctx, enabledSettings()); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(store, &fakeUsage{}, failingEvaluator{}, zerolog.Nop())
	if d := e.Check(ctx, Request{Action: ActionResume, TokenID: "04a1", At: at(23, 30)}); d != Block(ReasonQuietHours) {
		t.Errorf("Check() = %s, want quiet hours from native rules", d)
	}
}
