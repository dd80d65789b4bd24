package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every recognized option. Durations expressed in ms match the
// wire-level option names (SESSION_TIMEOUT_MS etc).
const (
	DefaultSessionTimeout        = 5 * time.Minute
	DefaultSessionReapInterval   = 30 * time.Second
	DefaultMaxViewersPerCamera   = 10
	DefaultStreamIdleTimeout     = 60 * time.Second
	DefaultAutoRestartDelay      = 5 * time.Second
	DefaultMaxRestarts           = 5
	DefaultStreamTokenTTL        = 60 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultReplaySweepInterval   = 5 * time.Minute
	DefaultClientTokenTTL        = 24 * time.Hour
	DefaultHubPort               = "3000"
	DefaultGatewayPort           = "8085"
	DefaultSigningKeyDevFallback = "dev-secret-do-not-use-in-prod"
)

// Credential is one login entry for the hub's auth endpoint.
type Credential struct {
	ClientID     string `yaml:"client_id"`
	Role         string `yaml:"role"`
	PasswordHash string `yaml:"password_hash"`
}

// Config carries settings for both services; each binary reads the subset it
// needs.
type Config struct {
	LogLevel   string `yaml:"log_level"`
	SigningKey string `yaml:"signing_key"`

	// Hub / control backend.
	HubPort            string        `yaml:"hub_port"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	StreamTokenTTL     time.Duration `yaml:"stream_token_ttl"`
	ClientTokenTTL     time.Duration `yaml:"client_token_ttl"`
	CamerasFile        string        `yaml:"cameras_file"`
	Credentials        []Credential  `yaml:"credentials"`
	NATSURL            string        `yaml:"nats_url"`

	// Gateway.
	GatewayPort         string        `yaml:"gateway_port"`
	MaxViewersPerCamera int           `yaml:"max_viewers_per_camera"`
	StreamIdleTimeout   time.Duration `yaml:"stream_idle_timeout"`
	AutoRestartDelay    time.Duration `yaml:"auto_restart_delay"`
	MaxRestarts         int           `yaml:"max_restarts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCallbackURL   string        `yaml:"health_callback_url"`
	GatewaySecret       string        `yaml:"gateway_secret"`
	FFmpegPath          string        `yaml:"ffmpeg_path"`
	HLSRoot             string        `yaml:"hls_root"`
	RedisAddr           string        `yaml:"redis_addr"`

	// SigningKeyMissing is set when the env/file carried no key and the dev
	// fallback was applied; callers log a warning but do not abort.
	SigningKeyMissing bool `yaml:"-"`
}

// Load resolves configuration: defaults, then the optional YAML file named by
// TS_KIOSK_CONFIG, then env var overrides.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:            "info",
		HubPort:             DefaultHubPort,
		GatewayPort:         DefaultGatewayPort,
		SessionTimeout:      DefaultSessionTimeout,
		StreamTokenTTL:      DefaultStreamTokenTTL,
		ClientTokenTTL:      DefaultClientTokenTTL,
		MaxViewersPerCamera: DefaultMaxViewersPerCamera,
		StreamIdleTimeout:   DefaultStreamIdleTimeout,
		AutoRestartDelay:    DefaultAutoRestartDelay,
		MaxRestarts:         DefaultMaxRestarts,
		HealthCheckInterval: DefaultHealthCheckInterval,
		FFmpegPath:          "ffmpeg",
		HLSRoot:             os.TempDir(),
	}

	if path := os.Getenv("TS_KIOSK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.SigningKey == "" {
		cfg.SigningKey = DefaultSigningKeyDevFallback
		cfg.SigningKeyMissing = true
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	strVar(&cfg.LogLevel, "LOG_LEVEL")
	strVar(&cfg.SigningKey, "JWT_SIGNING_KEY")
	strVar(&cfg.HubPort, "HUB_PORT")
	strVar(&cfg.GatewayPort, "GATEWAY_PORT")
	strVar(&cfg.CamerasFile, "CAMERAS_FILE")
	strVar(&cfg.NATSURL, "NATS_URL")
	strVar(&cfg.HealthCallbackURL, "HEALTH_CALLBACK_URL")
	strVar(&cfg.GatewaySecret, "GATEWAY_SECRET")
	strVar(&cfg.FFmpegPath, "FFMPEG_PATH")
	strVar(&cfg.HLSRoot, "HLS_ROOT")
	strVar(&cfg.RedisAddr, "REDIS_ADDR")

	msVar(&cfg.SessionTimeout, "SESSION_TIMEOUT_MS")
	msVar(&cfg.StreamIdleTimeout, "STREAM_TIMEOUT_NO_VIEWERS")
	msVar(&cfg.AutoRestartDelay, "AUTO_RESTART_DELAY")
	msVar(&cfg.HealthCheckInterval, "HEALTH_CHECK_INTERVAL")

	secVar(&cfg.StreamTokenTTL, "STREAM_TOKEN_TTL")

	intVar(&cfg.MaxViewersPerCamera, "MAX_VIEWERS_PER_CAMERA")
	intVar(&cfg.MaxRestarts, "MAX_RESTARTS")
}

func strVar(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intVar(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func msVar(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func secVar(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
