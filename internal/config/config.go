package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Controller ControllerConfig `mapstructure:"controller"`
	Buttons    ButtonsConfig    `mapstructure:"buttons"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Hardware   HardwareConfig   `mapstructure:"hardware"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Recorder   RecorderConfig   `mapstructure:"recorder"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Intents    IntentsConfig    `mapstructure:"intents"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Systemd    SystemdConfig    `mapstructure:"systemd"`
}

// ControllerConfig defines the poll loop timing
type ControllerConfig struct {
	PollInterval          string `mapstructure:"poll_interval"`
	IOTimeout             string `mapstructure:"io_timeout"`
	PolicyRecheckInterval string `mapstructure:"policy_recheck_interval"`
}

// ButtonsConfig defines long-press thresholds and bit assignments on the button bus
type ButtonsConfig struct {
	RecordHold     string `mapstructure:"record_hold"`
	ClearHold      string `mapstructure:"clear_hold"`
	PlayLatestHold string `mapstructure:"play_latest_hold"`
	DebounceReads  int    `mapstructure:"debounce_reads"`
	VolumeStep     int    `mapstructure:"volume_step"`
	PlayPauseBit   int    `mapstructure:"play_pause_bit"`
	RecordBit      int    `mapstructure:"record_bit"`
	StopBit        int    `mapstructure:"stop_bit"`
	VolumeUpBit    int    `mapstructure:"volume_up_bit"`
	VolumeDownBit  int    `mapstructure:"volume_down_bit"`
}

// PresenceConfig defines token read noise suppression
type PresenceConfig struct {
	ConfirmReads int `mapstructure:"confirm_reads"`
	RemovalReads int `mapstructure:"removal_reads"`
}

// HardwareConfig selects raw I/O drivers
type HardwareConfig struct {
	ButtonsDriver           string `mapstructure:"buttons_driver"` // "none", "pcf8574" or "redis"
	TokenDriver             string `mapstructure:"token_driver"`   // "none" or "redis"
	I2CBus                  string `mapstructure:"i2c_bus"`
	PCF8574Address          int    `mapstructure:"pcf8574_address"`
	ButtonsKey              string `mapstructure:"buttons_key"`
	TokenKey                string `mapstructure:"token_key"`
	ButtonsFailureThreshold int    `mapstructure:"buttons_failure_threshold"`
	TokenFailureThreshold   int    `mapstructure:"token_failure_threshold"`
	RecoveryInterval        string `mapstructure:"recovery_interval"`
}

// BackendConfig defines the playback service connection
type BackendConfig struct {
	URL                 string `mapstructure:"url"`
	EventsURL           string `mapstructure:"events_url"`
	RequestTimeout      string `mapstructure:"request_timeout"`
	Retries             int    `mapstructure:"retries"`
	RetryBackoff        string `mapstructure:"retry_backoff"`
	StatusTTL           string `mapstructure:"status_ttl"`
	MaxWaitPlayback     string `mapstructure:"max_wait_playback"`
	MinPlaybackDuration string `mapstructure:"min_playback_duration"`
	ConfirmPoll         string `mapstructure:"confirm_poll"`
}

// RecorderConfig defines voice capture settings
type RecorderConfig struct {
	Dir          string `mapstructure:"dir"`
	Command      string `mapstructure:"command"`
	Device       string `mapstructure:"device"`
	Format       string `mapstructure:"format"`
	SampleRate   int    `mapstructure:"sample_rate"`
	Channels     int    `mapstructure:"channels"`
	MaxDuration  string `mapstructure:"max_duration"`
	MinFreeBytes int64  `mapstructure:"min_free_bytes"`
	Grace        string `mapstructure:"grace"`
}

// ArchiveConfig defines where saved recordings are copied
type ArchiveConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Type    string          `mapstructure:"type"` // "local" or "s3"
	Dir     string          `mapstructure:"dir"`
	S3      S3ArchiveConfig `mapstructure:"s3"`
}

// S3ArchiveConfig defines S3-compatible bucket settings
type S3ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// PolicyConfig defines policy engine settings
type PolicyConfig struct {
	Evaluator    string `mapstructure:"evaluator"` // "native" or "rego"
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// UsageConfig defines usage accounting settings
type UsageConfig struct {
	FlushInterval string `mapstructure:"flush_interval"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// IntentsConfig defines the decoded voice intent source
type IntentsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
	Buffer  int    `mapstructure:"buffer"`
}

// FeedbackConfig defines feedback rendering
type FeedbackConfig struct {
	Buffer  int    `mapstructure:"buffer"`
	Output  string `mapstructure:"output"` // "log" or "redis"
	Channel string `mapstructure:"channel"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type   string       `mapstructure:"type"` // "redis" or "badger"
	Redis  RedisConfig  `mapstructure:"redis"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// BadgerConfig defines the embedded store location
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// SystemdConfig defines service manager integration
type SystemdConfig struct {
	Watchdog bool `mapstructure:"watchdog"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KSPEAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration with only default values applied.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns the set of valid configuration keys.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}

// setDefaults sets default configuration values. Every valid key has one.
func setDefaults(v *viper.Viper) {
	// Controller defaults
	v.SetDefault("controller.poll_interval", "50ms")
	v.SetDefault("controller.io_timeout", "250ms")
	v.SetDefault("controller.policy_recheck_interval", "2s")

	// Buttons defaults (PCF8574 bits, active low)
	v.SetDefault("buttons.record_hold", "3s")
	v.SetDefault("buttons.clear_hold", "3s")
	v.SetDefault("buttons.play_latest_hold", "2s")
	v.SetDefault("buttons.debounce_reads", 1)
	v.SetDefault("buttons.volume_step", 5)
	v.SetDefault("buttons.play_pause_bit", 0)
	v.SetDefault("buttons.record_bit", 1)
	v.SetDefault("buttons.stop_bit", 2)
	v.SetDefault("buttons.volume_up_bit", 3)
	v.SetDefault("buttons.volume_down_bit", 4)

	// Presence defaults
	v.SetDefault("presence.confirm_reads", 2)
	v.SetDefault("presence.removal_reads", 3)

	// Hardware defaults
	v.SetDefault("hardware.buttons_driver", "none")
	v.SetDefault("hardware.token_driver", "none")
	v.SetDefault("hardware.i2c_bus", "/dev/i2c-1")
	v.SetDefault("hardware.pcf8574_address", 0x20)
	v.SetDefault("hardware.buttons_key", "kspeaker:hw:buttons")
	v.SetDefault("hardware.token_key", "kspeaker:hw:token")
	v.SetDefault("hardware.buttons_failure_threshold", 20)
	v.SetDefault("hardware.token_failure_threshold", 50)
	v.SetDefault("hardware.recovery_interval", "30s")

	// Backend defaults
	v.SetDefault("backend.url", "http://localhost:6680/mopidy/rpc")
	v.SetDefault("backend.events_url", "")
	v.SetDefault("backend.request_timeout", "2s")
	v.SetDefault("backend.retries", 2)
	v.SetDefault("backend.retry_backoff", "100ms")
	v.SetDefault("backend.status_ttl", "500ms")
	v.SetDefault("backend.max_wait_playback", "10s")
	v.SetDefault("backend.min_playback_duration", "3s")
	v.SetDefault("backend.confirm_poll", "200ms")

	// Recorder defaults
	v.SetDefault("recorder.dir", "/var/lib/kspeaker/recordings")
	v.SetDefault("recorder.command", "arecord")
	v.SetDefault("recorder.device", "default")
	v.SetDefault("recorder.format", "S16_LE")
	v.SetDefault("recorder.sample_rate", 44100)
	v.SetDefault("recorder.channels", 1)
	v.SetDefault("recorder.max_duration", "5m")
	v.SetDefault("recorder.min_free_bytes", 50*1024*1024)
	v.SetDefault("recorder.grace", "2s")

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.type", "local")
	v.SetDefault("archive.dir", "/var/lib/kspeaker/archive")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "recordings/")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.use_path_style", false)

	// Policy defaults
	v.SetDefault("policy.evaluator", "native")
	v.SetDefault("policy.opa_policy_dir", "")

	// Usage defaults
	v.SetDefault("usage.flush_interval", "10s")
	v.SetDefault("usage.retention_days", 90)

	// Intents defaults
	v.SetDefault("intents.enabled", false)
	v.SetDefault("intents.channel", "kspeaker:intents")
	v.SetDefault("intents.buffer", 8)

	// Feedback defaults
	v.SetDefault("feedback.buffer", 32)
	v.SetDefault("feedback.output", "log")
	v.SetDefault("feedback.channel", "kspeaker:feedback")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 5)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.badger.dir", "/var/lib/kspeaker/db")
	v.SetDefault("storage.badger.in_memory", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9091)

	v.SetDefault("systemd.watchdog", true)
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	case "badger":
		if cfg.Storage.Badger.Dir == "" && !cfg.Storage.Badger.InMemory {
			return fmt.Errorf("badger dir is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}

	switch cfg.Hardware.ButtonsDriver {
	case "none", "pcf8574", "redis":
	default:
		return fmt.Errorf("unsupported buttons driver: %q", cfg.Hardware.ButtonsDriver)
	}
	switch cfg.Hardware.TokenDriver {
	case "none", "redis":
	default:
		return fmt.Errorf("unsupported token driver: %q", cfg.Hardware.TokenDriver)
	}
	if (cfg.Hardware.ButtonsDriver == "redis" || cfg.Hardware.TokenDriver == "redis" || cfg.Intents.Enabled || cfg.Feedback.Output == "redis") && cfg.Storage.Type != "redis" {
		return fmt.Errorf("redis hardware drivers, intents and feedback require storage.type redis")
	}

	bits := map[int]string{}
	for name, bit := range map[string]int{
		"play_pause":  cfg.Buttons.PlayPauseBit,
		"record":      cfg.Buttons.RecordBit,
		"stop":        cfg.Buttons.StopBit,
		"volume_up":   cfg.Buttons.VolumeUpBit,
		"volume_down": cfg.Buttons.VolumeDownBit,
	} {
		if bit < 0 || bit > 7 {
			return fmt.Errorf("button %s bit out of range: %d", name, bit)
		}
		if other, dup := bits[bit]; dup {
			return fmt.Errorf("buttons %s and %s share bit %d", other, name, bit)
		}
		bits[bit] = name
	}

	if cfg.Buttons.VolumeStep <= 0 || cfg.Buttons.VolumeStep > 100 {
		return fmt.Errorf("invalid volume step: %d", cfg.Buttons.VolumeStep)
	}
	if cfg.Presence.ConfirmReads < 1 {
		cfg.Presence.ConfirmReads = 1
	}
	if cfg.Presence.RemovalReads < 1 {
		cfg.Presence.RemovalReads = 1
	}
	if cfg.Buttons.DebounceReads < 1 {
		cfg.Buttons.DebounceReads = 1
	}

	switch cfg.Policy.Evaluator {
	case "native", "rego":
	default:
		return fmt.Errorf("unsupported policy evaluator: %q", cfg.Policy.Evaluator)
	}

	switch cfg.Feedback.Output {
	case "log", "redis":
	default:
		return fmt.Errorf("unsupported feedback output: %q", cfg.Feedback.Output)
	}

	if cfg.Archive.Enabled {
		switch cfg.Archive.Type {
		case "local":
			if cfg.Archive.Dir == "" {
				return fmt.Errorf("archive dir is required")
			}
		case "s3":
			if cfg.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive s3 bucket is required")
			}
		default:
			return fmt.Errorf("unsupported archive type: %q", cfg.Archive.Type)
		}
	}

	if cfg.Recorder.Dir == "" {
		return fmt.Errorf("recorder dir is required")
	}

	if ParseDuration(cfg.Controller.PollInterval, 0) <= 0 {
		return fmt.Errorf("invalid poll interval: %q", cfg.Controller.PollInterval)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
