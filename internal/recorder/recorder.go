// Package recorder captures voice recordings attached to tokens.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/kspeaker/internal/archive"
	"github.com/goodtune/kspeaker/internal/directory"
	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientDisk is returned by Start when free space is below the
	// configured minimum.
	ErrInsufficientDisk = errors.New("insufficient disk space")
	// ErrBusy is returned by Start while another capture is active or
	// finalising.
	ErrBusy = errors.New("recorder busy")
	// ErrNotRecording is returned by Save and Cancel without an active capture.
	ErrNotRecording = errors.New("not recording")
	// ErrEmptyRecording is returned by Save when the capture produced no audio.
	ErrEmptyRecording = errors.New("empty recording")
)

// wavHeaderSize is the size of a WAV file with no samples.
const wavHeaderSize = 44

// Resolver looks up a token's current record.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*storage.Token, error)
}

// Options configures a Recorder.
type Options struct {
	Dir          string
	MaxDuration  time.Duration
	MinFreeBytes int64
	Grace        time.Duration

	ResolveAttempts int
	ResolveBackoff  time.Duration
}

// Recorder owns at most one capture at a time.
type Recorder struct {
	opts       Options
	capturer   Capturer
	directory  Resolver
	recordings storage.RecordingStore
	archive    archive.Store
	logger     zerolog.Logger

	freeSpace func(dir string) (uint64, error)
	now       func() time.Time
	autoStop  chan struct{}

	mu         sync.Mutex
	active     *session
	finalising bool
}

type session struct {
	id        string
	tokenID   string
	tokenName string
	path      string
	startedAt time.Time
	capture   Capture
	timer     *time.Timer
}

// New creates a recorder. archiveStore may be nil.
func New(opts Options, capturer Capturer, directory Resolver, recordings storage.RecordingStore, archiveStore archive.Store, logger zerolog.Logger) *Recorder {
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if opts.ResolveAttempts <= 0 {
		opts.ResolveAttempts = 3
	}
	if opts.ResolveBackoff <= 0 {
		opts.ResolveBackoff = 200 * time.Millisecond
	}
	return &Recorder{
		opts:       opts,
		capturer:   capturer,
		directory:  directory,
		recordings: recordings,
		archive:    archiveStore,
		logger:     logger.With().Str("component", "recorder").Logger(),
		freeSpace:  freeBytes,
		now:        time.Now,
		autoStop:   make(chan struct{}, 1),
	}
}

// AutoStop signals when the active capture reaches the maximum duration.
func (r *Recorder) AutoStop() <-chan struct{} {
	return r.autoStop
}

// Active reports whether a capture is running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start begins capturing for a token.
func (r *Recorder) Start(tokenID, tokenName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil || r.finalising {
		return ErrBusy
	}

	dir := filepath.Join(r.opts.Dir, tokenID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording dir: %w", err)
	}

	if r.opts.MinFreeBytes > 0 {
		free, err := r.freeSpace(dir)
		if err != nil {
			return fmt.Errorf("failed to check free space: %w", err)
		}
		if free < uint64(r.opts.MinFreeBytes) {
			metrics.Recordings.WithLabelValues("no_space").Inc()
			r.logger.Warn().
				Uint64("free_bytes", free).
				Int64("min_free_bytes", r.opts.MinFreeBytes).
				Msg("Not enough disk space to record")
			return ErrInsufficientDisk
		}
	}

	// Drop a stale signal from a previous capture
	select {
	case <-r.autoStop:
	default:
	}

	now := r.now()
	id := uuid.NewString()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.wav", now.Format("20060102-150405"), id[:8]))

	capture, err := r.capturer.Start(path)
	if err != nil {
		metrics.Recordings.WithLabelValues("failed").Inc()
		return err
	}

	s := &session{
		id:        id,
		tokenID:   tokenID,
		tokenName: tokenName,
		path:      path,
		startedAt: now,
		capture:   capture,
	}
	if r.opts.MaxDuration > 0 {
		s.timer = time.AfterFunc(r.opts.MaxDuration, func() {
			select {
			case r.autoStop <- struct{}{}:
			default:
			}
		})
	}
	r.active = s

	r.logger.Info().
		Str("recording_id", id).
		Str("token", tokenID).
		Str("path", path).
		Msg("Recording started")
	return nil
}

// take detaches the active session and marks the recorder finalising.
func (r *Recorder) take() (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil, ErrNotRecording
	}
	s := r.active
	r.active = nil
	r.finalising = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return s, nil
}

func (r *Recorder) done() {
	r.mu.Lock()
	r.finalising = false
	r.mu.Unlock()
}

// Save stops the capture and stores its metadata. The track reference is
// resolved from the directory now, not taken from when the token was loaded.
// If the token cannot be resolved nothing is stored, the audio stays on disk
// and the returned error wraps directory.ErrTransientIO.
func (r *Recorder) Save(ctx context.Context) (*storage.Recording, error) {
	s, err := r.take()
	if err != nil {
		return nil, err
	}
	defer r.done()

	stoppedAt := r.now()
	if err := s.capture.Stop(r.opts.Grace); err != nil {
		r.logger.Warn().Err(err).Str("recording_id", s.id).Msg("Capture did not stop cleanly")
	}

	info, err := os.Stat(s.path)
	if err != nil || info.Size() <= wavHeaderSize {
		_ = os.Remove(s.path)
		metrics.Recordings.WithLabelValues("failed").Inc()
		return nil, ErrEmptyRecording
	}

	rec := storage.Recording{
		ID:        s.id,
		TokenID:   s.tokenID,
		TokenName: s.tokenName,
		Path:      s.path,
		StartedAt: s.startedAt,
		Duration:  stoppedAt.Sub(s.startedAt),
		SizeBytes: info.Size(),
		CreatedAt: stoppedAt,
	}

	token, err := r.resolve(ctx, s.tokenID)
	if err != nil {
		metrics.Recordings.WithLabelValues("failed").Inc()
		r.logger.Error().Err(err).Str("token", s.tokenID).Str("path", s.path).Msg("Could not resolve token at save, audio kept on disk")
		return nil, err
	}
	rec.TokenName = token.Name
	rec.TrackRef = token.TrackRef

	if err := r.recordings.Add(ctx, rec); err != nil {
		metrics.Recordings.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to store recording: %w", err)
	}
	metrics.Recordings.WithLabelValues("saved").Inc()

	r.logger.Info().
		Str("recording_id", rec.ID).
		Str("token", rec.TokenID).
		Str("track", rec.TrackRef).
		Dur("duration", rec.Duration).
		Int64("size", rec.SizeBytes).
		Msg("Recording saved")

	if r.archive != nil {
		key := s.tokenID + "/" + filepath.Base(s.path)
		if err := r.archive.Put(ctx, key, s.path); err != nil {
			r.logger.Error().Err(err).Str("recording_id", rec.ID).Msg("Failed to archive recording")
		}
	}

	return &rec, nil
}

// resolve fetches the token, retrying up to ResolveAttempts times.
func (r *Recorder) resolve(ctx context.Context, id string) (*storage.Token, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.ResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: resolve %s at save: %v", directory.ErrTransientIO, id, ctx.Err())
			case <-time.After(r.opts.ResolveBackoff * time.Duration(attempt)):
			}
		}
		token, err := r.directory.Resolve(ctx, id)
		if err == nil {
			return token, nil
		}
		lastErr = err
		r.logger.Debug().Err(err).Str("token", id).Int("attempt", attempt+1).Msg("Resolve at save failed")
	}
	if errors.Is(lastErr, directory.ErrTransientIO) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: resolve %s at save: %v", directory.ErrTransientIO, id, lastErr)
}

// Cancel stops the capture and deletes the partial file.
func (r *Recorder) Cancel() error {
	s, err := r.take()
	if err != nil {
		return err
	}
	defer r.done()

	if err := s.capture.Stop(r.opts.Grace); err != nil {
		r.logger.Warn().Err(err).Str("recording_id", s.id).Msg("Capture did not stop cleanly")
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Error().Err(err).Str("path", s.path).Msg("Failed to remove canceled recording")
	}
	metrics.Recordings.WithLabelValues("canceled").Inc()

	r.logger.Info().Str("recording_id", s.id).Msg("Recording canceled")
	return nil
}
