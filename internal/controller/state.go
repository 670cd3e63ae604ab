package controller

import "time"

// State is the device state. The controller is always in exactly one.
type State int

const (
	NoToken State = iota
	TokenLoaded
	Playing
	Paused
	Recording
)

// States lists every state, for metrics.
var States = []State{NoToken, TokenLoaded, Playing, Paused, Recording}

func (s State) String() string {
	switch s {
	case NoToken:
		return "no_token"
	case TokenLoaded:
		return "token_loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Recording:
		return "recording"
	default:
		return "unknown"
	}
}

// LoadedToken is the token on the reader as last resolved.
type LoadedToken struct {
	ID       string
	Name     string
	TrackRef string
}

// RecordingSession exists only while Recording and holds what is needed to
// return to the state recording interrupted.
type RecordingSession struct {
	TokenID    string
	StartedAt  time.Time
	Previous   State
	WasPlaying bool
}

type pendingPlay struct {
	gen      uint64
	resume   bool
	ref      string
	fallback State
	cancel   func()
}

type playResult struct {
	gen uint64
	err error
}

type recorderResult struct {
	saved    bool
	tokenID  string
	recordID string
	err      error
}
