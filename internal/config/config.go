// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Inference  InferenceConfig
	Device     DeviceConfig
	Engine     EngineConfig
	RateLimit  RateLimitConfig
	Retention  RetentionConfig
	Trajectory TrajectoryConfig
	Log        LogConfig
}

// InferenceConfig selects and tunes the model backend.
type InferenceConfig struct {
	Backend      string // "openai", "gemini" or "grpc"
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float32
	MaxTokens    int32
	Timeout      time.Duration
	GeminiAPIKey string
	GRPCAddr     string
}

// DeviceConfig controls how adb is reached.
type DeviceConfig struct {
	ADBPath        string
	Serial         string
	Container      string // non-empty runs adb via docker exec in this container
	Timeout        time.Duration
	ConnectRetries int
}

// EngineConfig tunes the perception-action loop.
type EngineConfig struct {
	MaxSteps          int
	HistoryN          int
	SettleDelay       time.Duration
	WaitDelay         time.Duration
	LongPressDuration time.Duration
	SwipeDuration     time.Duration
}

// RateLimitConfig bounds session start requests per client.
type RateLimitConfig struct {
	StartLimit  int
	StartWindow time.Duration
}

// RetentionConfig controls result pruning. A zero Age keeps results forever.
type RetentionConfig struct {
	Age      time.Duration
	Interval time.Duration
}

// TrajectoryConfig controls NDJSON trajectory logging.
type TrajectoryConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRAJECTORY_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/droidpilot.db"),
		Inference: InferenceConfig{
			Backend:      strings.ToLower(getEnv("INFERENCE_BACKEND", "openai")),
			BaseURL:      getEnv("LLM_BASE_URL", "http://127.0.0.1:8000/v1"),
			APIKey:       getEnv("LLM_API_KEY", "not-needed"),
			Model:        getEnv("MODEL_NAME", "default"),
			Temperature:  float32(getEnvFloat("TEMPERATURE", 0)),
			MaxTokens:    int32(getEnvInt("MAX_TOKENS", 2048)),
			Timeout:      getEnvDuration("INFERENCE_TIMEOUT", 120*time.Second),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GRPCAddr:     getEnv("INFERENCE_GRPC_ADDR", ""),
		},
		Device: DeviceConfig{
			ADBPath:        getEnv("ADB_PATH", "adb"),
			Serial:         getEnv("DEVICE_SERIAL", ""),
			Container:      getEnv("DEVICE_CONTAINER", ""),
			Timeout:        getEnvDuration("DEVICE_TIMEOUT", 15*time.Second),
			ConnectRetries: getEnvInt("DEVICE_CONNECT_RETRIES", 3),
		},
		Engine: EngineConfig{
			MaxSteps:          getEnvInt("MAX_STEPS", 10),
			HistoryN:          getEnvInt("HISTORY_N", 3),
			SettleDelay:       getEnvDuration("SETTLE_DELAY", 1500*time.Millisecond),
			WaitDelay:         getEnvDuration("WAIT_DELAY", 2*time.Second),
			LongPressDuration: getEnvDuration("LONG_PRESS_DURATION", time.Second),
			SwipeDuration:     getEnvDuration("SWIPE_DURATION", 300*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			StartLimit:  getEnvInt("START_RATE_LIMIT", 10),
			StartWindow: getEnvDuration("START_RATE_WINDOW", time.Minute),
		},
		Retention: RetentionConfig{
			Age:      getEnvDuration("RESULTS_RETENTION", 0),
			Interval: getEnvDuration("RETENTION_INTERVAL", time.Hour),
		},
		Trajectory: TrajectoryConfig{
			Enabled:   getEnvBool("TRAJECTORY_LOG_ENABLED", true),
			Dir:       getEnv("TRAJECTORY_LOG_DIR", "./data/logs/trajectories"),
			QueueSize: queueSize,
		},
		Log: LogConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	switch c.Inference.Backend {
	case "openai":
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL cannot be empty for the openai backend")
		}
	case "gemini":
		if c.Inference.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	case "grpc":
		if c.Inference.GRPCAddr == "" {
			return fmt.Errorf("INFERENCE_GRPC_ADDR is required for the grpc backend")
		}
	default:
		return fmt.Errorf("INFERENCE_BACKEND must be openai, gemini or grpc, got %q", c.Inference.Backend)
	}
	if c.Inference.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.Inference.Temperature < 0 {
		return fmt.Errorf("TEMPERATURE must be >= 0")
	}

	if c.Device.ADBPath == "" {
		return fmt.Errorf("ADB_PATH cannot be empty")
	}
	if c.Device.ConnectRetries < 0 {
		return fmt.Errorf("DEVICE_CONNECT_RETRIES must be >= 0")
	}

	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("MAX_STEPS must be > 0")
	}
	if c.Engine.HistoryN < 0 {
		return fmt.Errorf("HISTORY_N must be >= 0")
	}
	if c.Engine.SettleDelay < 0 || c.Engine.WaitDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY and WAIT_DELAY must be >= 0")
	}

	if c.RateLimit.StartLimit < 0 {
		return fmt.Errorf("START_RATE_LIMIT must be >= 0")
	}
	if c.Retention.Age > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be > 0 when RESULTS_RETENTION is set")
	}

	if c.Trajectory.Enabled && c.Trajectory.Dir == "" {
		return fmt.Errorf("TRAJECTORY_LOG_DIR cannot be empty")
	}
	if c.Trajectory.QueueSize <= 0 {
		return fmt.Errorf("TRAJECTORY_LOG_QUEUE_SIZE must be > 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("1.5s") or whole seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
