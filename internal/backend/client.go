// Package backend drives a Mopidy-compatible playback service over its
// JSON-RPC interface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

var (
	// ErrBackendTimeout is returned when playback was not confirmed in time
	// or the caller's deadline expired mid-call.
	ErrBackendTimeout = errors.New("backend did not confirm playback")
	// ErrUnavailable wraps transport failures that survived all retries.
	ErrUnavailable = errors.New("backend unavailable")
)

// State is the backend playback state.
type State string

const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Status is a snapshot of the backend.
type Status struct {
	State    State
	TrackRef string
	Elapsed  time.Duration
}

// Options configures the client.
type Options struct {
	URL             string
	EventsURL       string
	RequestTimeout  time.Duration
	Retries         int
	RetryBackoff    time.Duration
	StatusTTL       time.Duration
	MaxWaitPlayback time.Duration
	ConfirmPoll     time.Duration
	HTTPClient      *http.Client
}

const statusKey = "status"

// Client talks to the playback backend.
type Client struct {
	opts   Options
	http   *http.Client
	cache  *expirable.LRU[string, Status]
	nextID atomic.Int64
	logger zerolog.Logger
}

// New creates a backend client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.MaxWaitPlayback <= 0 {
		opts.MaxWaitPlayback = 10 * time.Second
	}
	if opts.ConfirmPoll <= 0 {
		opts.ConfirmPoll = 200 * time.Millisecond
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 500 * time.Millisecond
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		opts:   opts,
		http:   httpClient,
		cache:  expirable.NewLRU[string, Status](1, nil, opts.StatusTTL),
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one RPC, retrying transport failures with backoff.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctxErr(ctx)
			case <-time.After(c.opts.RetryBackoff * time.Duration(attempt)):
			}
		}

		start := time.Now()
		err := c.do(ctx, method, params, result)
		metrics.BackendRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.BackendRequests.WithLabelValues(method, "ok").Inc()
			return nil
		}

		var rerr *rpcError
		if errors.As(err, &rerr) {
			metrics.BackendRequests.WithLabelValues(method, "rpc_error").Inc()
			return fmt.Errorf("%s: %w", method, err)
		}
		if ctx.Err() != nil {
			metrics.BackendRequests.WithLabelValues(method, "canceled").Inc()
			return ctxErr(ctx)
		}

		metrics.BackendRequests.WithLabelValues(method, "error").Inc()
		lastErr = err
		c.logger.Debug().Err(err).Str("method", method).Int("attempt", attempt+1).Msg("Backend call failed")
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, lastErr)
}

// ctxErr reports an expired caller deadline as ErrBackendTimeout.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// Invalidate drops the cached status.
func (c *Client) Invalidate() {
	c.cache.Purge()
}

// Play replaces the queue with ref and starts it, returning once the backend
// reports it is playing.
func (c *Client) Play(ctx context.Context, ref string) error {
	defer c.Invalidate()

	if err := c.call(ctx, "core.tracklist.clear", nil, nil); err != nil {
		return err
	}
	if err := c.call(ctx, "core.tracklist.add", map[string]interface{}{"uris": []string{ref}}, nil); err != nil {
		return err
	}
	if err := c.call(ctx, "core.playback.play", nil, nil); err != nil {
		return err
	}

	c.logger.Debug().Str("track", ref).Msg("Waiting for playback confirmation")
	return c.waitPlaying(ctx)
}

// Resume continues paused playback and waits for confirmation.
func (c *Client) Resume(ctx context.Context) error {
	defer c.Invalidate()

	if err := c.call(ctx, "core.playback.resume", nil, nil); err != nil {
		return err
	}
	return c.waitPlaying(ctx)
}

// waitPlaying polls the state until playing or MaxWaitPlayback elapses.
// Transport errors while waiting are tolerated.
func (c *Client) waitPlaying(ctx context.Context) error {
	deadline := time.NewTimer(c.opts.MaxWaitPlayback)
	defer deadline.Stop()
	poll := time.NewTicker(c.opts.ConfirmPoll)
	defer poll.Stop()

	for {
		var state State
		err := c.do(ctx, "core.playback.get_state", nil, &state)
		if err == nil && state == StatePlaying {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Debug().Err(err).Msg("State poll failed while waiting for playback")
		}

		select {
		case <-ctx.Done():
			return ctxErr(ctx)
		case <-deadline.C:
			return ErrBackendTimeout
		case <-poll.C:
		}
	}
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error {
	defer c.Invalidate()
	return c.call(ctx, "core.playback.pause", nil, nil)
}

// Stop stops playback.
func (c *Client) Stop(ctx context.Context) error {
	defer c.Invalidate()
	return c.call(ctx, "core.playback.stop", nil, nil)
}

type trackModel struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// Status returns the playback status, served from a short-lived cache.
func (c *Client) Status(ctx context.Context) (Status, error) {
	if st, ok := c.cache.Get(statusKey); ok {
		metrics.StatusCacheHits.Inc()
		return st, nil
	}
	metrics.StatusCacheMisses.Inc()

	var st Status
	if err := c.call(ctx, "core.playback.get_state", nil, &st.State); err != nil {
		return Status{}, err
	}

	var track *trackModel
	if err := c.call(ctx, "core.playback.get_current_track", nil, &track); err != nil {
		return Status{}, err
	}
	if track != nil {
		st.TrackRef = track.URI
	}

	var posMs *int64
	if err := c.call(ctx, "core.playback.get_time_position", nil, &posMs); err != nil {
		return Status{}, err
	}
	if posMs != nil {
		st.Elapsed = time.Duration(*posMs) * time.Millisecond
	}

	c.cache.Add(statusKey, st)
	return st, nil
}

// Volume returns the mixer volume in percent.
func (c *Client) Volume(ctx context.Context) (int, error) {
	var vol *int
	if err := c.call(ctx, "core.mixer.get_volume", nil, &vol); err != nil {
		return 0, err
	}
	if vol == nil {
		return 0, nil
	}
	return *vol, nil
}

// SetVolume sets the mixer volume in percent.
func (c *Client) SetVolume(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return c.call(ctx, "core.mixer.set_volume", map[string]interface{}{"volume": percent}, nil)
}
