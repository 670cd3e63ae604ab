// Package directory resolves tokens to their assigned tracks. Lookups always
// go to the store: assignments can change at any time from outside the
// device, so nothing here is cached.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
)

// ErrTransientIO marks a lookup that failed for a reason worth retrying.
var ErrTransientIO = errors.New("directory unavailable")

// Client resolves and updates token assignments.
type Client struct {
	tokens storage.TokenStore
	logger zerolog.Logger
}

// New creates a directory client over a token store.
func New(tokens storage.TokenStore, logger zerolog.Logger) *Client {
	return &Client{
		tokens: tokens,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// DefaultName is the display name given to a token on first sight.
func DefaultName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return "Token " + strings.ToUpper(short)
}

// Resolve returns the token's current record, registering unknown tokens.
func (c *Client) Resolve(ctx context.Context, id string) (*storage.Token, error) {
	if id == "" {
		return nil, fmt.Errorf("empty token id")
	}

	token, created, err := c.tokens.GetOrCreate(ctx, id, DefaultName(id))
	if err != nil {
		metrics.DirectoryLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrTransientIO, id, err)
	}

	if created {
		metrics.DirectoryLookups.WithLabelValues("registered").Inc()
		c.logger.Info().Str("token", id).Str("name", token.Name).Msg("Registered new token")
	} else {
		metrics.DirectoryLookups.WithLabelValues("hit").Inc()
	}
	return token, nil
}

// UpdateAssignment points a token at a track.
func (c *Client) UpdateAssignment(ctx context.Context, id, trackRef, trackName string) error {
	if trackRef == "" {
		return c.ClearAssignment(ctx, id)
	}
	if err := c.tokens.SetAssignment(ctx, id, trackRef, trackName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: assign %s: %v", ErrTransientIO, id, err)
	}
	c.logger.Info().Str("token", id).Str("track", trackRef).Msg("Token assignment updated")
	return nil
}

// ClearAssignment removes a token's track.
func (c *Client) ClearAssignment(ctx context.Context, id string) error {
	if err := c.tokens.ClearAssignment(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: clear %s: %v", ErrTransientIO, id, err)
	}
	c.logger.Info().Str("token", id).Msg("Token assignment cleared")
	return nil
}
