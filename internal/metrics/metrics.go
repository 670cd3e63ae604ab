package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Controller metrics
	DeviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kspeaker_device_state",
			Help: "Current device state (1 for the active state)",
		},
		[]string{"state"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_state_transitions_total",
			Help: "State transitions by source and target state",
		},
		[]string{"from", "to"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kspeaker_tick_duration_seconds",
			Help:    "Time spent processing one poll tick",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	TickPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kspeaker_tick_panics_total",
			Help: "Panics recovered inside the poll loop",
		},
	)

	// Policy metrics
	BlockedActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_blocked_actions_total",
			Help: "Actions blocked by policy or device state",
		},
		[]string{"action", "reason"},
	)

	UsageSecondsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kspeaker_usage_seconds_total",
			Help: "Playback seconds counted against the daily limit",
		},
	)

	// Hardware metrics
	HardwareFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_hardware_failures_total",
			Help: "Failed raw device reads",
		},
		[]string{"device"},
	)

	HardwareHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kspeaker_hardware_health",
			Help: "Device health (0 healthy, 1 degraded, 2 failed)",
		},
		[]string{"device"},
	)

	// Backend metrics
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_backend_requests_total",
			Help: "Playback backend RPC calls",
		},
		[]string{"method", "result"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kspeaker_backend_request_duration_seconds",
			Help:    "Playback backend RPC duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method"},
	)

	StatusCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kspeaker_backend_status_cache_hits_total",
			Help: "Backend status lookups served from cache",
		},
	)

	StatusCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kspeaker_backend_status_cache_misses_total",
			Help: "Backend status lookups that reached the backend",
		},
	)

	// Directory metrics
	DirectoryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_directory_lookups_total",
			Help: "Token directory resolve calls",
		},
		[]string{"result"},
	)

	// Recorder metrics
	Recordings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_recordings_total",
			Help: "Voice recordings by outcome",
		},
		[]string{"result"},
	)

	// Feedback metrics
	FeedbackEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_feedback_events_total",
			Help: "Feedback events emitted",
		},
		[]string{"event"},
	)

	FeedbackDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kspeaker_feedback_dropped_total",
			Help: "Feedback events dropped because the renderer was behind",
		},
	)

	IntentsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kspeaker_intents_total",
			Help: "Decoded voice intents received",
		},
		[]string{"intent"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DeviceState,
		StateTransitions,
		TickDuration,
		TickPanics,
		BlockedActions,
		UsageSecondsConsumed,
		HardwareFailures,
		HardwareHealth,
		BackendRequests,
		BackendRequestDuration,
		StatusCacheHits,
		StatusCacheMisses,
		DirectoryLookups,
		Recordings,
		FeedbackEvents,
		FeedbackDropped,
		IntentsReceived,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	check    func() error
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// SetHealthCheck installs a check reported by /health. Must be called
// before Start.
func (s *Server) SetHealthCheck(check func() error) {
	s.check = check
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.check != nil {
		if err := s.check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
