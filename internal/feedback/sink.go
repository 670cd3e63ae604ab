package feedback

import (
	"context"
	"time"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/rs/zerolog"
)

// Output renders pattern steps.
type Output interface {
	// Render shows one step of ev's pattern. sound is set on the first step
	// only.
	Render(ctx context.Context, ev Event, step Step, sound string) error
}

// Sink queues events for the renderer. Emit never blocks.
type Sink struct {
	events chan Event
	output Output
	logger zerolog.Logger
}

// NewSink creates a sink with a queue of buffer events.
func NewSink(buffer int, output Output, logger zerolog.Logger) *Sink {
	if buffer < 1 {
		buffer = 1
	}
	return &Sink{
		events: make(chan Event, buffer),
		output: output,
		logger: logger.With().Str("component", "feedback").Logger(),
	}
}

// Emit queues ev, dropping it when the renderer is behind.
func (s *Sink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
		metrics.FeedbackEvents.WithLabelValues(string(ev.Kind)).Inc()
	default:
		metrics.FeedbackDropped.Inc()
		s.logger.Debug().Str("event", string(ev.Kind)).Msg("Feedback queue full, event dropped")
	}
}

// Run renders events until ctx is done. A new event cancels the pattern
// still running.
func (s *Sink) Run(ctx context.Context) {
	var (
		current Event
		steps   []Step
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	// show renders the head of steps and arms the timer for the rest
	show := func(sound string) {
		if len(steps) == 0 {
			return
		}
		step := steps[0]
		steps = steps[1:]
		if err := s.output.Render(ctx, current, step, sound); err != nil {
			s.logger.Warn().Err(err).Str("event", string(current.Kind)).Msg("Feedback output failed")
		}
		if len(steps) > 0 {
			timer = time.NewTimer(step.Duration)
			timerC = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			stopTimer()
			current = ev
			p := PatternFor(ev.Kind)
			steps = append([]Step(nil), p.Steps...)
			show(p.Sound)
		case <-timerC:
			timer, timerC = nil, nil
			show("")
		}
	}
}
