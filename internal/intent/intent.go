// Package intent receives decoded voice commands from a Redis channel.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Kind is a decoded voice command.
type Kind string

const (
	Play   Kind = "play"
	Pause  Kind = "pause"
	Resume Kind = "resume"
	Stop   Kind = "stop"
	Clear  Kind = "clear"
)

// Intent is one decoded command.
type Intent struct {
	Kind Kind      `json:"intent"`
	At   time.Time `json:"at"`
}

// Parse decodes a message payload. Payloads may be a JSON object with an
// "intent" field or the bare intent name.
func Parse(payload string) (Intent, error) {
	payload = strings.TrimSpace(payload)

	var in Intent
	if strings.HasPrefix(payload, "{") {
		if err := json.Unmarshal([]byte(payload), &in); err != nil {
			return Intent{}, fmt.Errorf("invalid intent message: %w", err)
		}
	} else {
		in.Kind = Kind(payload)
	}
	in.Kind = Kind(strings.ToLower(string(in.Kind)))

	switch in.Kind {
	case Play, Pause, Resume, Stop, Clear:
	default:
		return Intent{}, fmt.Errorf("unknown intent %q", in.Kind)
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}
	return in, nil
}

// Subscriber delivers intents on a buffered channel.
type Subscriber struct {
	client  *redis.Client
	channel string
	out     chan Intent
	logger  zerolog.Logger
}

// NewSubscriber creates a subscriber for channel.
func NewSubscriber(client *redis.Client, channel string, buffer int, logger zerolog.Logger) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscriber{
		client:  client,
		channel: channel,
		out:     make(chan Intent, buffer),
		logger:  logger.With().Str("component", "intents").Logger(),
	}
}

// Intents returns the delivery channel.
func (s *Subscriber) Intents() <-chan Intent {
	return s.out
}

// Run subscribes and forwards intents until ctx is done. It returns once
// the subscription is confirmed or fails.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	s.logger.Info().Str("channel", s.channel).Msg("Listening for voice intents")

	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				s.deliver(msg.Payload)
			}
		}
	}()
	return nil
}

func (s *Subscriber) deliver(payload string) {
	in, err := Parse(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring intent")
		return
	}
	metrics.IntentsReceived.WithLabelValues(string(in.Kind)).Inc()

	select {
	case s.out <- in:
	default:
		s.logger.Warn().Str("intent", string(in.Kind)).Msg("Intent queue full, dropping")
	}
}
