// Package feedback turns controller events into light and sound patterns.
package feedback

import "time"

// Kind is the type of a feedback event.
type Kind string

const (
	TokenLoaded    Kind = "token_loaded"
	TokenCleared   Kind = "token_cleared"
	Play           Kind = "play"
	Pause          Kind = "pause"
	Stop           Kind = "stop"
	Blocked        Kind = "blocked"
	RecordStart    Kind = "record_start"
	RecordSaved    Kind = "record_saved"
	RecordCanceled Kind = "record_canceled"
	Volume         Kind = "volume"
	Error          Kind = "error"
)

// Event is one feedback notification.
type Event struct {
	Kind   Kind      `json:"event"`
	Reason string    `json:"reason,omitempty"`
	Token  string    `json:"token,omitempty"`
	Volume int       `json:"volume,omitempty"`
	At     time.Time `json:"at"`
}

// Step is one light state held for a duration.
type Step struct {
	Color    string        `json:"color"`
	Duration time.Duration `json:"duration"`
}

// Pattern is the rendering of an event.
type Pattern struct {
	Sound string
	Steps []Step
}

var patterns = map[Kind]Pattern{
	TokenLoaded:    {Sound: "chime", Steps: []Step{{"blue", 300 * time.Millisecond}, {"off", 0}}},
	TokenCleared:   {Sound: "clear", Steps: []Step{{"white", 200 * time.Millisecond}, {"off", 0}}},
	Play:           {Steps: []Step{{"green", 0}}},
	Pause:          {Steps: []Step{{"amber", 0}}},
	Stop:           {Steps: []Step{{"off", 0}}},
	Blocked:        {Sound: "denied", Steps: []Step{{"red", 150 * time.Millisecond}, {"off", 100 * time.Millisecond}, {"red", 150 * time.Millisecond}, {"off", 0}}},
	RecordStart:    {Sound: "beep", Steps: []Step{{"red", 0}}},
	RecordSaved:    {Sound: "saved", Steps: []Step{{"green", 200 * time.Millisecond}, {"off", 100 * time.Millisecond}, {"green", 200 * time.Millisecond}, {"off", 0}}},
	RecordCanceled: {Sound: "cancel", Steps: []Step{{"amber", 300 * time.Millisecond}, {"off", 0}}},
	Volume:         {Steps: []Step{{"white", 100 * time.Millisecond}, {"off", 0}}},
	Error:          {Sound: "error", Steps: []Step{{"red", 500 * time.Millisecond}, {"off", 250 * time.Millisecond}, {"red", 500 * time.Millisecond}, {"off", 0}}},
}

// PatternFor returns the pattern for an event kind.
func PatternFor(k Kind) Pattern {
	if p, ok := patterns[k]; ok {
		return p
	}
	return Pattern{Steps: []Step{{"off", 0}}}
}
