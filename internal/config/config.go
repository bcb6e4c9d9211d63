// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Store       string // "file", "sqlite" or "postgres".
	DataDir     string // Root of the file store.
	SQLitePath  string
	DatabaseURL string

	ClaudeBin        string
	AgentIdleTimeout time.Duration

	SyncEnabled  bool
	SyncInterval time.Duration
	GitHubAPIURL string

	BusReplaySize  int
	BusCloseGrace  time.Duration
	SessionLogsDir string // Overrides ~/.claude/projects for session collection.

	CORSOrigins         []string
	MaxRequestBodyBytes int64

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	dataDir := envStr("JAKEOPS_DATA_DIR", "./data")
	cfg := Config{
		Port:                intVar("JAKEOPS_PORT", 8080),
		ReadTimeout:         durVar("JAKEOPS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("JAKEOPS_WRITE_TIMEOUT", 0),
		Store:               envStr("JAKEOPS_STORE", "file"),
		DataDir:             dataDir,
		SQLitePath:          envStr("JAKEOPS_SQLITE_PATH", dataDir+"/jakeops.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		ClaudeBin:           envStr("JAKEOPS_CLAUDE_BIN", "claude"),
		AgentIdleTimeout:    durVar("JAKEOPS_AGENT_IDLE_TIMEOUT", 5*time.Minute),
		SyncEnabled:         boolVar("JAKEOPS_SYNC_ENABLED", true),
		SyncInterval:        durVar("JAKEOPS_SYNC_INTERVAL", 60*time.Second),
		GitHubAPIURL:        envStr("JAKEOPS_GITHUB_API_URL", "https://api.github.com"),
		BusReplaySize:       intVar("JAKEOPS_BUS_REPLAY_SIZE", 2000),
		BusCloseGrace:       durVar("JAKEOPS_BUS_CLOSE_GRACE", 2*time.Second),
		SessionLogsDir:      envStr("JAKEOPS_SESSION_LOGS_DIR", ""),
		CORSOrigins:         envList("JAKEOPS_CORS_ORIGINS", []string{"*"}),
		MaxRequestBodyBytes: int64(intVar("JAKEOPS_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		RateLimitEnabled:    boolVar("JAKEOPS_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        floatVar("JAKEOPS_RATE_LIMIT_RPS", 0.2),
		RateLimitBurst:      intVar("JAKEOPS_RATE_LIMIT_BURST", 5),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "jakeops"),
		OTELInsecure:        boolVar("JAKEOPS_OTEL_INSECURE", false),
		LogLevel:            envStr("JAKEOPS_LOG_LEVEL", "info"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration values are present and consistent.
func (c Config) Validate() error {
	switch c.Store {
	case "file":
		if c.DataDir == "" {
			return errors.New("config: JAKEOPS_DATA_DIR is required for the file store")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("config: JAKEOPS_SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: JAKEOPS_STORE must be file, sqlite or postgres, got %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: JAKEOPS_PORT %d is out of range", c.Port)
	}
	if c.SyncEnabled && c.SyncInterval <= 0 {
		return errors.New("config: JAKEOPS_SYNC_INTERVAL must be positive")
	}
	if c.AgentIdleTimeout <= 0 {
		return errors.New("config: JAKEOPS_AGENT_IDLE_TIMEOUT must be positive")
	}
	if c.BusReplaySize <= 0 {
		return errors.New("config: JAKEOPS_BUS_REPLAY_SIZE must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("config: JAKEOPS_RATE_LIMIT_RPS and JAKEOPS_RATE_LIMIT_BURST must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return errors.New("config: JAKEOPS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated value, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
