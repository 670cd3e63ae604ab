// Package input turns raw button bus samples into press, hold and release
// events.
package input

import (
	"fmt"
	"time"
)

// Button identifies a physical button.
type Button int

const (
	PlayPause Button = iota
	Record
	Stop
	VolumeUp
	VolumeDown

	numButtons
)

// Buttons lists every button in dispatch order.
var Buttons = []Button{PlayPause, Record, Stop, VolumeUp, VolumeDown}

func (b Button) String() string {
	switch b {
	case PlayPause:
		return "play_pause"
	case Record:
		return "record"
	case Stop:
		return "stop"
	case VolumeUp:
		return "volume_up"
	case VolumeDown:
		return "volume_down"
	default:
		return fmt.Sprintf("button(%d)", int(b))
	}
}

// Kind is the type of a button event.
type Kind int

const (
	Pressed Kind = iota
	Held
	Released
)

func (k Kind) String() string {
	switch k {
	case Pressed:
		return "pressed"
	case Held:
		return "held"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Event is one button observation produced by a tick.
type Event struct {
	Button Button
	Kind   Kind
	At     time.Time
	Hold   time.Duration
	// LongFired is set on Released when a long press already fired for this
	// press, so the short action must not run.
	LongFired bool
}

// BitMap assigns a bus bit to each button.
type BitMap map[Button]uint

// DefaultBitMap matches the PCF8574 wiring P0..P4.
var DefaultBitMap = BitMap{
	PlayPause:  0,
	Record:     1,
	Stop:       2,
	VolumeUp:   3,
	VolumeDown: 4,
}

type buttonState struct {
	bit       uint
	mapped    bool
	pressed   bool
	candidate bool
	count     int
	firstSeen time.Time // first sample of the current candidate
	since     time.Time
	fired     bool
}

// Debouncer tracks the stable level of each button. Buttons are active low:
// a zero bit means pressed.
type Debouncer struct {
	stableReads int
	buttons     [numButtons]buttonState
}

// NewDebouncer creates a debouncer. A level change is accepted after
// stableReads consecutive identical samples.
func NewDebouncer(bits BitMap, stableReads int) *Debouncer {
	if stableReads < 1 {
		stableReads = 1
	}
	d := &Debouncer{stableReads: stableReads}
	for b, bit := range bits {
		if b < 0 || b >= numButtons {
			continue
		}
		d.buttons[b].bit = bit
		d.buttons[b].mapped = true
	}
	return d
}

// Update consumes one raw sample and returns the resulting events.
func (d *Debouncer) Update(raw uint8, now time.Time) []Event {
	var events []Event

	for _, b := range Buttons {
		s := &d.buttons[b]
		if !s.mapped {
			continue
		}
		level := raw&(1<<s.bit) == 0

		if level != s.pressed {
			if level == s.candidate {
				s.count++
			} else {
				s.candidate = level
				s.count = 1
				s.firstSeen = now
			}
			if s.count >= d.stableReads {
				s.pressed = level
				s.count = 0
				if level {
					// Hold time runs from the first sample of the press.
					s.since = s.firstSeen
					s.fired = false
					events = append(events, Event{Button: b, Kind: Pressed, At: now})
				} else {
					events = append(events, Event{
						Button:    b,
						Kind:      Released,
						At:        now,
						Hold:      now.Sub(s.since),
						LongFired: s.fired,
					})
				}
				continue
			}
		} else {
			s.candidate = s.pressed
			s.count = 0
		}

		if s.pressed {
			events = append(events, Event{Button: b, Kind: Held, At: now, Hold: now.Sub(s.since)})
		}
	}

	return events
}

// LongPress reports true exactly once per press, on the first call where the
// hold duration has reached threshold.
func (d *Debouncer) LongPress(b Button, threshold time.Duration, now time.Time) bool {
	if b < 0 || b >= numButtons {
		return false
	}
	s := &d.buttons[b]
	if !s.pressed || s.fired {
		return false
	}
	if now.Sub(s.since) < threshold {
		return false
	}
	s.fired = true
	return true
}

// Consume marks the current press as handled so that neither a long press
// nor the short action on release will run for it.
func (d *Debouncer) Consume(b Button) {
	if b < 0 || b >= numButtons {
		return
	}
	if d.buttons[b].pressed {
		d.buttons[b].fired = true
	}
}

// ConsumeAll marks every press in progress as handled. A hold that began
// before the call never reaches a long-press threshold.
func (d *Debouncer) ConsumeAll() {
	for b := range d.buttons {
		if d.buttons[b].pressed {
			d.buttons[b].fired = true
		}
	}
}

// Pressed reports the debounced level of a button.
func (d *Debouncer) Pressed(b Button) bool {
	if b < 0 || b >= numButtons {
		return false
	}
	return d.buttons[b].pressed
}
