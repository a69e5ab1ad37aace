// Package config loads and validates the bot configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissing is returned when a mandatory variable is not set.
var ErrMissing = errors.New("config: required variable not set")

// Config holds every runtime setting.
type Config struct {
	BotToken    string
	AdminID     int64
	BotUsername string
	Proxy       string

	DataDir string
	// OpsAddr is the ops HTTP listen address. Empty disables it.
	OpsAddr string

	LogLevel  slog.Level
	LogFormat string
	LogFile   string

	BroadcastInterval  time.Duration
	RateLimitInterval  time.Duration
	RateLimitMaxSender int
	HandlerConcurrency int
	CheckpointInterval time.Duration
}

// DBPath is the SQLite database location inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// LoadEnvFile seeds the environment from path. A missing file is not an
// error; variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN: %w", ErrMissing)
	}

	adminID := os.Getenv("ADMIN_ID")
	if adminID == "" {
		return nil, fmt.Errorf("ADMIN_ID: %w", ErrMissing)
	}
	cfg.AdminID, err = strconv.ParseInt(adminID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_ID: must be an integer, got %q", adminID)
	}

	cfg.BotUsername = strings.TrimPrefix(getEnvDefault("BOT_USERNAME", "Bot"), "@")
	cfg.Proxy = os.Getenv("TELEGRAM_PROXY")
	cfg.DataDir = getEnvDefault("VAULT_DATA_DIR", "data")
	cfg.OpsAddr = "127.0.0.1:9090"
	if addr, ok := os.LookupEnv("VAULT_OPS_ADDR"); ok {
		cfg.OpsAddr = addr
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("LOG_FORMAT", "text")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT: invalid format %q, want json or text", cfg.LogFormat)
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	if cfg.BroadcastInterval, err = getEnvDuration("BROADCAST_INTERVAL", 50*time.Millisecond); err != nil {
		return nil, fmt.Errorf("BROADCAST_INTERVAL: %w", err)
	}
	if cfg.RateLimitInterval, err = getEnvDuration("RATE_LIMIT_INTERVAL", 800*time.Millisecond); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_INTERVAL: %w", err)
	}
	if cfg.RateLimitMaxSender, err = getEnvInt("RATE_LIMIT_MAX_SENDERS", 10_000); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_SENDERS: %w", err)
	}
	if cfg.HandlerConcurrency, err = getEnvInt("HANDLER_CONCURRENCY", 16); err != nil {
		return nil, fmt.Errorf("HANDLER_CONCURRENCY: %w", err)
	}
	if cfg.CheckpointInterval, err = getEnvDuration("CHECKPOINT_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("CHECKPOINT_INTERVAL: %w", err)
	}

	return cfg, nil
}

// SetupLogger builds the process logger and installs it as the slog
// default. When LogFile is set, records go to stdout and are appended to
// the file. The returned closer releases the file.
func SetupLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", val)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0, got %d", n)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use Go syntax: 50ms, 1s, 10m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be > 0, got %s", d)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", level)
	}
}
