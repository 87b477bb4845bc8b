package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr               string         `yaml:"addr"`
	StoreDSN           string         `yaml:"store_dsn"`
	AuditDSN           string         `yaml:"audit_dsn"`
	JWTSecret          string         `yaml:"jwt_secret"`
	InternalHMACSecret string         `yaml:"internal_hmac_secret"`
	RequireAuth        bool           `yaml:"require_auth"`
	LogLevel           string         `yaml:"log_level"`
	Conflict           ConflictConfig `yaml:"conflict"`
	Queue              QueueConfig    `yaml:"queue"`
	Hub                HubConfig      `yaml:"hub"`
	HTTP               HTTPConfig     `yaml:"http"`
}

type ConflictConfig struct {
	Window                   time.Duration `yaml:"window"`
	DisablePositionConflicts bool          `yaml:"disable_position_conflicts"`
	DetectDataConflicts      bool          `yaml:"detect_data_conflicts"`
	AutoStrategy             string        `yaml:"auto_strategy"`
	HistoryLimit             int           `yaml:"history_limit"`
	ResolvedRetention        time.Duration `yaml:"resolved_retention"`
	CleanupInterval          time.Duration `yaml:"cleanup_interval"`
}

type QueueConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency"`
	ProcessingTimeout  time.Duration `yaml:"processing_timeout"`
	BaseRetryDelay     time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity"`
}

type HubConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
}

type HTTPConfig struct {
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

func defaultConfig() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Conflict: ConflictConfig{
			Window:            conflict.DefaultTimingWindow,
			AutoStrategy:      string(conflict.StrategyLastWriteWins),
			ResolvedRetention: time.Hour,
			CleanupInterval:   5 * time.Minute,
		},
		Queue: QueueConfig{
			MaxConcurrency:    5,
			ProcessingTimeout: 30 * time.Second,
			BaseRetryDelay:    time.Second,
			MaxRetries:        3,
		},
		HTTP: HTTPConfig{
			RateLimitWindow: time.Minute,
		},
	}
}

// loadConfig layers defaults, the optional YAML file and the environment.
// Command-line flags are applied on top by the caller.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("RELAYCOLLAB_ADDR", cfg.Addr)
	cfg.StoreDSN = stringEnv("RELAYCOLLAB_STORE_DSN", cfg.StoreDSN)
	cfg.AuditDSN = stringEnv("RELAYCOLLAB_AUDIT_DSN", cfg.AuditDSN)
	cfg.JWTSecret = stringEnv("RELAYCOLLAB_JWT_SECRET", cfg.JWTSecret)
	cfg.InternalHMACSecret = stringEnv("RELAYCOLLAB_INTERNAL_HMAC_SECRET", cfg.InternalHMACSecret)
	cfg.RequireAuth = boolEnv("RELAYCOLLAB_REQUIRE_AUTH", cfg.RequireAuth)
	cfg.LogLevel = stringEnv("RELAYCOLLAB_LOG_LEVEL", cfg.LogLevel)

	cfg.Conflict.Window = durationEnv("RELAYCOLLAB_CONFLICT_WINDOW", cfg.Conflict.Window)
	cfg.Conflict.DisablePositionConflicts = boolEnv("RELAYCOLLAB_DISABLE_POSITION_CONFLICTS", cfg.Conflict.DisablePositionConflicts)
	cfg.Conflict.DetectDataConflicts = boolEnv("RELAYCOLLAB_DETECT_DATA_CONFLICTS", cfg.Conflict.DetectDataConflicts)
	cfg.Conflict.AutoStrategy = stringEnv("RELAYCOLLAB_AUTO_STRATEGY", cfg.Conflict.AutoStrategy)
	cfg.Conflict.HistoryLimit = intEnv("RELAYCOLLAB_CONFLICT_HISTORY_LIMIT", cfg.Conflict.HistoryLimit)
	cfg.Conflict.ResolvedRetention = durationEnv("RELAYCOLLAB_RESOLVED_RETENTION", cfg.Conflict.ResolvedRetention)
	cfg.Conflict.CleanupInterval = durationEnv("RELAYCOLLAB_CLEANUP_INTERVAL", cfg.Conflict.CleanupInterval)

	cfg.Queue.MaxConcurrency = intEnv("RELAYCOLLAB_QUEUE_CONCURRENCY", cfg.Queue.MaxConcurrency)
	cfg.Queue.ProcessingTimeout = durationEnv("RELAYCOLLAB_QUEUE_TIMEOUT", cfg.Queue.ProcessingTimeout)
	cfg.Queue.BaseRetryDelay = durationEnv("RELAYCOLLAB_QUEUE_RETRY_DELAY", cfg.Queue.BaseRetryDelay)
	cfg.Queue.MaxRetryDelay = durationEnv("RELAYCOLLAB_QUEUE_MAX_RETRY_DELAY", cfg.Queue.MaxRetryDelay)
	cfg.Queue.MaxRetries = intEnv("RELAYCOLLAB_QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)
	cfg.Queue.DeadLetterCapacity = intEnv("RELAYCOLLAB_DEAD_LETTER_CAPACITY", cfg.Queue.DeadLetterCapacity)

	cfg.Hub.HeartbeatTimeout = durationEnv("RELAYCOLLAB_HEARTBEAT_TIMEOUT", cfg.Hub.HeartbeatTimeout)
	cfg.Hub.HeartbeatInterval = durationEnv("RELAYCOLLAB_HEARTBEAT_INTERVAL", cfg.Hub.HeartbeatInterval)
	cfg.Hub.SendBuffer = intEnv("RELAYCOLLAB_SEND_BUFFER", cfg.Hub.SendBuffer)

	cfg.HTTP.RateLimitMax = intEnv("RELAYCOLLAB_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = durationEnv("RELAYCOLLAB_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)
	cfg.HTTP.MaxBodyBytes = int64Env("RELAYCOLLAB_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)
	cfg.HTTP.RequestTimeout = durationEnv("RELAYCOLLAB_REQUEST_TIMEOUT", cfg.HTTP.RequestTimeout)
}

func (c Config) validate() error {
	if _, err := conflict.ParseStrategy(c.Conflict.AutoStrategy); err != nil {
		return fmt.Errorf("auto strategy %q: %w", c.Conflict.AutoStrategy, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
