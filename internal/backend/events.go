package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// invalidatingEvents are backend events after which a cached status is
// stale.
var invalidatingEvents = map[string]bool{
	"playback_state_changed": true,
	"track_playback_started": true,
	"track_playback_paused":  true,
	"track_playback_resumed": true,
	"track_playback_ended":   true,
	"tracklist_changed":      true,
	"seeked":                 true,
	"volume_changed":         true,
}

type eventMessage struct {
	Event    string `json:"event"`
	NewState string `json:"new_state,omitempty"`
}

// Watch subscribes to the backend event stream and purges the status cache
// on playback events. It reconnects until ctx is done. A no-op when no
// events URL is configured.
func (c *Client) Watch(ctx context.Context) {
	if c.opts.EventsURL == "" {
		return
	}

	backoff := time.Second
	for {
		err := c.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Backend event stream lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) watchOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.EventsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info().Str("url", c.opts.EventsURL).Msg("Subscribed to backend events")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg eventMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			// RPC responses share the socket and carry no event name
			continue
		}
		if invalidatingEvents[msg.Event] {
			c.Invalidate()
			c.logger.Debug().Str("event", msg.Event).Str("state", msg.NewState).Msg("Backend event")
		}
	}
}
