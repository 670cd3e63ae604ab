// Package presence converts raw token reads into arrival and removal edges.
package presence

import "time"

// EdgeKind is the type of a presence edge.
type EdgeKind int

const (
	Arrived EdgeKind = iota + 1
	Removed
)

func (k EdgeKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case Removed:
		return "removed"
	default:
		return "none"
	}
}

// Edge is a presence change.
type Edge struct {
	Kind EdgeKind
	ID   string
	At   time.Time
}

// Tracker suppresses read noise: an arrival is only reported once the same id
// has been read confirmReads times in a row, and a removal only after
// removalReads consecutive empty reads. Persisting presence reports nothing.
type Tracker struct {
	confirmReads int
	removalReads int

	current   string // confirmed id, empty when absent
	candidate string
	seen      int
	absent    int
}

// NewTracker creates a presence tracker.
func NewTracker(confirmReads, removalReads int) *Tracker {
	if confirmReads < 1 {
		confirmReads = 1
	}
	if removalReads < 1 {
		removalReads = 1
	}
	return &Tracker{confirmReads: confirmReads, removalReads: removalReads}
}

// Update consumes one read and returns the edge it completes, if any.
func (t *Tracker) Update(id string, present bool, now time.Time) (Edge, bool) {
	if !present || id == "" {
		t.candidate = ""
		t.seen = 0
		if t.current == "" {
			return Edge{}, false
		}
		t.absent++
		if t.absent < t.removalReads {
			return Edge{}, false
		}
		removed := t.current
		t.current = ""
		t.absent = 0
		return Edge{Kind: Removed, ID: removed, At: now}, true
	}

	t.absent = 0
	if id == t.current {
		t.candidate = ""
		t.seen = 0
		return Edge{}, false
	}

	if id == t.candidate {
		t.seen++
	} else {
		t.candidate = id
		t.seen = 1
	}
	if t.seen < t.confirmReads {
		return Edge{}, false
	}

	t.current = id
	t.candidate = ""
	t.seen = 0
	return Edge{Kind: Arrived, ID: id, At: now}, true
}

// Current returns the confirmed present id.
func (t *Tracker) Current() (string, bool) {
	return t.current, t.current != ""
}
