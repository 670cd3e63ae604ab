package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeMopidy is a minimal JSON-RPC playback service
type fakeMopidy struct {
	mu        sync.Mutex
	state     State
	queue     []string
	current   string
	volume    int
	calls     map[string]int
	failNext  int  // respond 500 to this many requests
	neverPlay bool // play is accepted but state stays stopped
	playAfter int  // get_state polls before reporting playing
}

func newFakeMopidy() *fakeMopidy {
	return &fakeMopidy{state: StateStopped, volume: 50, calls: map[string]int{}}
}

func (f *fakeMopidy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.calls[req.Method]++

	if f.failNext > 0 {
		f.failNext--
		http.Error(w, "busy", http.StatusInternalServerError)
		return
	}

	var result interface{}
	switch req.Method {
	case "core.tracklist.clear":
		f.queue = nil
	case "core.tracklist.add":
		var p struct {
			URIs []string `json:"uris"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.queue = append(f.queue, p.URIs...)
	case "core.playback.play":
		if len(f.queue) > 0 {
			f.current = f.queue[0]
		}
		if !f.neverPlay && f.playAfter == 0 {
			f.state = StatePlaying
		}
	case "core.playback.resume":
		if !f.neverPlay {
			f.state = StatePlaying
		}
	case "core.playback.pause":
		f.state = StatePaused
	case "core.playback.stop":
		f.state = StateStopped
	case "core.playback.get_state":
		if f.playAfter > 0 {
			f.playAfter--
			if f.playAfter == 0 {
				f.state = StatePlaying
			}
		}
		result = f.state
	case "core.playback.get_current_track":
		if f.current != "" {
			result = map[string]string{"__model__": "Track", "uri": f.current}
		}
	case "core.playback.get_time_position":
		result = 1500
	case "core.mixer.get_volume":
		result = f.volume
	case "core.mixer.set_volume":
		var p struct {
			Volume int `json:"volume"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.volume = p.Volume
		result = true
	default:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "Method not found"},
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (f *fakeMopidy) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestClient(t *testing.T, f *fakeMopidy) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Options{
		URL:             srv.URL,
		RequestTimeout:  time.Second,
		Retries:         2,
		RetryBackoff:    time.Millisecond,
		StatusTTL:       time.Minute,
		MaxWaitPlayback: 200 * time.Millisecond,
		ConfirmPoll:     10 * time.Millisecond,
	}, zerolog.Nop())
}

func TestPlayConfirms(t *testing.T) {
	f := newFakeMopidy()
	f.playAfter = 3
	c := newTestClient(t, f)

	if err := c.Play(context.Background(), "local:track:song.mp3"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StatePlaying || st.TrackRef != "local:track:song.mp3" || st.Elapsed != 1500*time.Millisecond {
		t.Errorf("Status() = %+v", st)
	}
}

func TestPlayTimeout(t *testing.T) {
	f := newFakeMopidy()
	f.neverPlay = true
	c := newTestClient(t, f)

	err := c.Play(context.Background(), "local:track:song.mp3")
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("Play() error = %v, want ErrBackendTimeout", err)
	}
}

func TestPlayCallerDeadline(t *testing.T) {
	f := newFakeMopidy()
	f.neverPlay = true
	c := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Play(ctx, "local:track:song.mp3")
	if !errors.Is(err, ErrBackendTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play() error = %v, want ErrBackendTimeout wrapping the deadline", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = c.Resume(ctx)
	if errors.Is(err, ErrBackendTimeout) {
		t.Errorf("Resume() after cancel = %v, want plain cancellation", err)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	f := newFakeMopidy()
	f.failNext = 2
	c := newTestClient(t, f)

	if err := c.Pause(context.Background()); err != nil {
		t.Fatalf("Pause() error = %v, want retry to succeed", err)
	}
	if got := f.count("core.playback.pause"); got != 3 {
		t.Errorf("pause calls = %d, want 3", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFakeMopidy()
	f.failNext = 10
	c := newTestClient(t, f)

	err := c.Stop(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Stop() error = %v, want ErrUnavailable", err)
	}
}

func TestRPCErrorNotRetried(t *testing.T) {
	f := newFakeMopidy()
	c := newTestClient(t, f)

	err := c.call(context.Background(), "core.nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "Method not found") {
		t.Fatalf("call() error = %v", err)
	}
	if got := f.count("core.nope"); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestStatusCached(t *testing.T) {
	f := newFakeMopidy()
	c := newTestClient(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Status(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.count("core.playback.get_state"); got != 1 {
		t.Errorf("get_state calls = %d, want 1 (cached)", got)
	}

	// Commands invalidate the cache
	if err := c.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := c.Status(ctx)
	if st.State != StatePaused {
		t.Errorf("State after pause = %s", st.State)
	}
}

func TestVolume(t *testing.T) {
	f := newFakeMopidy()
	c := newTestClient(t, f)
	ctx := context.Background()

	if err := c.SetVolume(ctx, 140); err != nil {
		t.Fatal(err)
	}
	vol, err := c.Volume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if vol != 100 {
		t.Errorf("Volume() = %d, want clamped 100", vol)
	}
}

func TestWatchInvalidatesCache(t *testing.T) {
	f := newFakeMopidy()
	c := newTestClient(t, f)
	ctx, cancel := context.WithCancel(context.Background())

	sent := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"event": "playback_state_changed", "old_state": "stopped", "new_state": "playing"})
		close(sent)
		<-ctx.Done()
	}))
	defer ws.Close()
	defer cancel()
	c.opts.EventsURL = "ws" + strings.TrimPrefix(ws.URL, "http")

	if _, err := c.Status(ctx); err != nil {
		t.Fatal(err)
	}
	go c.Watch(ctx)

	<-sent
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.cache.Get(statusKey); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("status cache not invalidated by event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
