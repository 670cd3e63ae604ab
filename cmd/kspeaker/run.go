package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kspeaker/internal/archive"
	"github.com/goodtune/kspeaker/internal/backend"
	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/controller"
	"github.com/goodtune/kspeaker/internal/directory"
	"github.com/goodtune/kspeaker/internal/feedback"
	"github.com/goodtune/kspeaker/internal/hardware"
	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/input"
	"github.com/goodtune/kspeaker/internal/intent"
	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/policy/opa"
	"github.com/goodtune/kspeaker/internal/recorder"
	"github.com/goodtune/kspeaker/internal/storage"
	badgerstore "github.com/goodtune/kspeaker/internal/storage/badger"
	redisstore "github.com/goodtune/kspeaker/internal/storage/redis"
	"github.com/goodtune/kspeaker/internal/systemd"
	"github.com/goodtune/kspeaker/internal/usage"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device controller",
	Long:  `Start the poll loop with hardware drivers, playback backend, recorder, policy engine and metrics endpoint.`,
	RunE:  runDevice,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kspeaker")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, redisClient, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hardware
	buttonsHealth := health.NewTracker("buttons", cfg.Hardware.ButtonsFailureThreshold, logger)
	tokenHealth := health.NewTracker("token-reader", cfg.Hardware.TokenFailureThreshold, logger)
	recovery := config.ParseDuration(cfg.Hardware.RecoveryInterval, 30*time.Second)

	bus, err := hardware.OpenButtons(cfg.Hardware, redisClient)
	if err != nil {
		return fmt.Errorf("failed to open button driver: %w", err)
	}
	if closer, ok := bus.(io.Closer); ok {
		defer closer.Close()
	}
	reader, err := hardware.OpenToken(cfg.Hardware, redisClient)
	if err != nil {
		return fmt.Errorf("failed to open token driver: %w", err)
	}

	logger.Info().
		Str("buttons", cfg.Hardware.ButtonsDriver).
		Str("token", cfg.Hardware.TokenDriver).
		Msg("Hardware drivers opened")

	// Playback backend
	requestTimeout := config.ParseDuration(cfg.Backend.RequestTimeout, 2*time.Second)
	maxWait := config.ParseDuration(cfg.Backend.MaxWaitPlayback, 10*time.Second)
	player := backend.New(backend.Options{
		URL:             cfg.Backend.URL,
		EventsURL:       cfg.Backend.EventsURL,
		RequestTimeout:  requestTimeout,
		Retries:         cfg.Backend.Retries,
		RetryBackoff:    config.ParseDuration(cfg.Backend.RetryBackoff, 100*time.Millisecond),
		StatusTTL:       config.ParseDuration(cfg.Backend.StatusTTL, 500*time.Millisecond),
		MaxWaitPlayback: maxWait,
		ConfirmPoll:     config.ParseDuration(cfg.Backend.ConfirmPoll, 200*time.Millisecond),
	}, logger)
	go player.Watch(ctx)

	logger.Info().Str("url", cfg.Backend.URL).Msg("Playback backend configured")

	// Directory, usage and policy
	dir := directory.New(store.Tokens(), logger)

	usageTracker := usage.NewTracker(store.Usage(), usage.Config{
		FlushInterval: config.ParseDuration(cfg.Usage.FlushInterval, usage.DefaultFlushInterval),
	}, logger)

	resetScheduler := usage.NewResetScheduler(store.Usage(), cfg.Usage.RetentionDays, logger)
	resetScheduler.Start()
	defer resetScheduler.Stop()

	evaluator, err := newEvaluator(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy evaluator: %w", err)
	}
	policyEngine := policy.NewEngine(store.Policy(), usageTracker, evaluator, logger)

	logger.Info().Str("evaluator", cfg.Policy.Evaluator).Msg("Policy engine initialized")

	// Recorder
	archiveStore, err := archive.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize recording archive: %w", err)
	}
	rec := recorder.New(recorder.Options{
		Dir:          cfg.Recorder.Dir,
		MaxDuration:  config.ParseDuration(cfg.Recorder.MaxDuration, 5*time.Minute),
		MinFreeBytes: cfg.Recorder.MinFreeBytes,
		Grace:        config.ParseDuration(cfg.Recorder.Grace, 2*time.Second),
	}, recorder.ExecCapturer{
		Command:    cfg.Recorder.Command,
		Device:     cfg.Recorder.Device,
		Format:     cfg.Recorder.Format,
		SampleRate: cfg.Recorder.SampleRate,
		Channels:   cfg.Recorder.Channels,
	}, dir, store.Recordings(), archiveStore, logger)

	// Feedback
	output, err := feedback.NewOutput(cfg.Feedback, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feedback output: %w", err)
	}
	sink := feedback.NewSink(cfg.Feedback.Buffer, output, logger)
	go sink.Run(ctx)

	// Voice intents
	var intents <-chan intent.Intent
	if cfg.Intents.Enabled {
		sub := intent.NewSubscriber(redisClient, cfg.Intents.Channel, cfg.Intents.Buffer, logger)
		if err := sub.Run(ctx); err != nil {
			return err
		}
		intents = sub.Intents()
	}

	// Watchdog
	var watchdog *systemd.Watchdog
	if cfg.Systemd.Watchdog {
		watchdog, err = systemd.NewWatchdog()
		if err != nil {
			logger.Warn().Err(err).Msg("Systemd watchdog unavailable")
		} else if watchdog != nil {
			logger.Info().Dur("interval", watchdog.Interval()).Msg("Systemd watchdog enabled")
		}
	}

	buttons := hardware.NewGuardedButtons(bus, buttonsHealth, recovery)
	tokens := hardware.NewGuardedToken(reader, tokenHealth, recovery)
	ctrl := controller.New(controller.Deps{
		Buttons:    buttons,
		Tokens:     tokens,
		Player:     player,
		Directory:  dir,
		Recordings: store.Recordings(),
		Policy:     policyEngine,
		Recorder:   rec,
		Usage:      usageTracker,
		Feedback:   sink,
		Intents:    intents,
	}, controller.Options{
		PollInterval:        config.ParseDuration(cfg.Controller.PollInterval, 50*time.Millisecond),
		IOTimeout:           config.ParseDuration(cfg.Controller.IOTimeout, 250*time.Millisecond),
		RecheckInterval:     config.ParseDuration(cfg.Controller.PolicyRecheckInterval, 2*time.Second),
		RecordHold:          config.ParseDuration(cfg.Buttons.RecordHold, 3*time.Second),
		ClearHold:           config.ParseDuration(cfg.Buttons.ClearHold, 3*time.Second),
		PlayLatestHold:      config.ParseDuration(cfg.Buttons.PlayLatestHold, 2*time.Second),
		MinPlaybackDuration: config.ParseDuration(cfg.Backend.MinPlaybackDuration, 3*time.Second),
		PlayTimeout:         maxWait + 2*requestTimeout,
		FinalizeTimeout:     config.ParseDuration(cfg.Recorder.Grace, 2*time.Second) + 10*time.Second,
		VolumeStep:          cfg.Buttons.VolumeStep,
		BitMap: input.BitMap{
			input.PlayPause:  uint(cfg.Buttons.PlayPauseBit),
			input.Record:     uint(cfg.Buttons.RecordBit),
			input.Stop:       uint(cfg.Buttons.StopBit),
			input.VolumeUp:   uint(cfg.Buttons.VolumeUpBit),
			input.VolumeDown: uint(cfg.Buttons.VolumeDownBit),
		},
		DebounceReads: cfg.Buttons.DebounceReads,
		ConfirmReads:  cfg.Presence.ConfirmReads,
		RemovalReads:  cfg.Presence.RemovalReads,
		Heartbeat: func() {
			if err := watchdog.Heartbeat(); err != nil {
				logger.Warn().Err(err).Msg("Failed to notify watchdog")
			}
		},
	}, logger)

	// Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		metricsServer.SetHealthCheck(deviceHealth(buttons, tokens))
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	logger.Info().Msg("kspeaker startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading policies...")
				if err := policyEngine.Reload(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				} else {
					logger.Info().Msg("Policies reloaded successfully")
				}
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break loop
		case err := <-done:
			// Run only returns when ctx is done
			logger.Error().Err(err).Msg("Controller exited unexpectedly")
			break loop
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("Controller did not stop in time")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("kspeaker stopped")
	return nil
}

// openStorage opens the configured store. The redis client is nil unless the
// store is redis.
func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, *goredis.Client, error) {
	switch cfg.Type {
	case "", "redis":
		s, err := redisstore.Open(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Client(), nil
	case "badger":
		s, err := badgerstore.Open(cfg.Badger, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func newEvaluator(cfg config.PolicyConfig, logger zerolog.Logger) (policy.Evaluator, error) {
	switch cfg.Evaluator {
	case "", "native":
		return policy.NativeEvaluator{}, nil
	case "rego":
		engine, err := opa.NewEngine(cfg.OPAPolicyDir, logger)
		if err != nil {
			return nil, err
		}
		return policy.NewRegoEvaluator(engine), nil
	default:
		return nil, fmt.Errorf("unsupported policy evaluator: %s", cfg.Evaluator)
	}
}

// deviceHealth reports failed input devices on /health.
func deviceHealth(devices ...interface{ Err() error }) func() error {
	return func() error {
		var errs []error
		for _, d := range devices {
			if err := d.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
