package controller

import (
	"context"
	"time"

	"github.com/goodtune/kspeaker/internal/backend"
	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/hardware"
	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/intent"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/storage"
)

// ButtonReader is a guarded button bus.
type ButtonReader interface {
	Read(ctx context.Context, now time.Time) (uint8, *health.Transition)
}

// TokenReader is a guarded token reader.
type TokenReader interface {
	Read(ctx context.Context, now time.Time) (hardware.TokenRead, *health.Transition)
}

// Player is the playback backend.
type Player interface {
	Play(ctx context.Context, ref string) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (backend.Status, error)
	Volume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, percent int) error
}

// Directory resolves and updates token assignments.
type Directory interface {
	Resolve(ctx context.Context, id string) (*storage.Token, error)
	ClearAssignment(ctx context.Context, id string) error
}

// Recordings finds saved recordings.
type Recordings interface {
	Latest(ctx context.Context, tokenID string) (*storage.Recording, error)
}

// Policy gates playback.
type Policy interface {
	Check(ctx context.Context, req policy.Request) policy.Decision
	ClampVolume(ctx context.Context, percent int) int
}

// Recorder captures voice recordings.
type Recorder interface {
	Start(tokenID, tokenName string) error
	Save(ctx context.Context) (*storage.Recording, error)
	Cancel() error
	AutoStop() <-chan struct{}
}

// Usage accumulates Playing time.
type Usage interface {
	Start(now time.Time)
	Accumulate(ctx context.Context, now time.Time) error
	Stop(ctx context.Context, now time.Time) error
}

// Feedback receives user-facing events.
type Feedback interface {
	Emit(ev feedback.Event)
}

// Deps are the handles the controller owns.
type Deps struct {
	Buttons    ButtonReader
	Tokens     TokenReader
	Player     Player
	Directory  Directory
	Recordings Recordings
	Policy     Policy
	Recorder   Recorder
	Usage      Usage
	Feedback   Feedback
	// Intents may be nil.
	Intents <-chan intent.Intent
}

// Options tunes the controller.
type Options struct {
	PollInterval        time.Duration
	IOTimeout           time.Duration
	RecheckInterval     time.Duration
	RecordHold          time.Duration
	ClearHold           time.Duration
	PlayLatestHold      time.Duration
	MinPlaybackDuration time.Duration
	PlayTimeout         time.Duration
	FinalizeTimeout     time.Duration
	VolumeStep          int

	BitMap        input.BitMap
	DebounceReads int
	ConfirmReads  int
	RemovalReads  int

	// Heartbeat is called after every tick.
	Heartbeat func()
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 250 * time.Millisecond
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = 2 * time.Second
	}
	if o.RecordHold <= 0 {
		o.RecordHold = 3 * time.Second
	}
	if o.ClearHold <= 0 {
		o.ClearHold = 3 * time.Second
	}
	if o.PlayLatestHold <= 0 {
		o.PlayLatestHold = 2 * time.Second
	}
	if o.MinPlaybackDuration <= 0 {
		o.MinPlaybackDuration = 2 * time.Second
	}
	if o.PlayTimeout <= 0 {
		o.PlayTimeout = 15 * time.Second
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	if o.VolumeStep <= 0 {
		o.VolumeStep = 5
	}
	if o.BitMap == nil {
		o.BitMap = input.DefaultBitMap
	}
}
