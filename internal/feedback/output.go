package feedback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/kspeaker/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogOutput writes pattern steps to the log.
type LogOutput struct {
	logger zerolog.Logger
}

// NewLogOutput creates a log output.
func NewLogOutput(logger zerolog.Logger) *LogOutput {
	return &LogOutput{logger: logger.With().Str("component", "feedback").Logger()}
}

// Render implements Output.
func (o *LogOutput) Render(_ context.Context, ev Event, step Step, sound string) error {
	e := o.logger.Info().
		Str("event", string(ev.Kind)).
		Str("color", step.Color)
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	if sound != "" {
		e = e.Str("sound", sound)
	}
	e.Msg("Feedback")
	return nil
}

// message is the JSON published for external LED and sound daemons.
type message struct {
	Event
	Color string `json:"color"`
	Hold  int64  `json:"hold_ms"`
	Sound string `json:"sound,omitempty"`
}

// RedisOutput publishes pattern steps on a Redis channel.
type RedisOutput struct {
	client  *redis.Client
	channel string
}

// NewRedisOutput creates a Redis publishing output.
func NewRedisOutput(client *redis.Client, channel string) *RedisOutput {
	return &RedisOutput{client: client, channel: channel}
}

// Render implements Output.
func (o *RedisOutput) Render(ctx context.Context, ev Event, step Step, sound string) error {
	payload, err := json.Marshal(message{
		Event: ev,
		Color: step.Color,
		Hold:  step.Duration.Milliseconds(),
		Sound: sound,
	})
	if err != nil {
		return err
	}
	return o.client.Publish(ctx, o.channel, payload).Err()
}

// NewOutput builds the configured output.
func NewOutput(cfg config.FeedbackConfig, client *redis.Client, logger zerolog.Logger) (Output, error) {
	switch cfg.Output {
	case "", "log":
		return NewLogOutput(logger), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis feedback output requires redis storage")
		}
		return NewRedisOutput(client, cfg.Channel), nil
	default:
		return nil, fmt.Errorf("unsupported feedback output: %q", cfg.Output)
	}
}
