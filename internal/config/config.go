// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration is returned when the environment cannot produce a usable
// configuration.
var ErrConfiguration = errors.New("configuration error")

// DefaultBaseURL is used when OPENAI_BASE_URL is unset or empty.
const DefaultBaseURL = "https://api.openai.com/v1"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level

	Backend    BackendConfig
	Experiment ExperimentConfig
	Archive    ArchiveConfig
	Limits     LimitsConfig

	ConversationLog ConversationLogConfig
}

// BackendConfig describes the chat-completion backend.
type BackendConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	ConnectTimeout time.Duration
}

// ExperimentConfig holds per-deployment experiment settings.
type ExperimentConfig struct {
	// TypeCode is the default condition code. Empty omits the declaration.
	TypeCode        string
	DebugTranscript bool
	StreamTimeout   time.Duration
	MaxTurns        int
	SessionTTL      time.Duration
	MaxSessions     int
}

// ArchiveConfig controls the SQLite experiment archive.
type ArchiveConfig struct {
	Enabled bool
	DBPath  string
}

// LimitsConfig bounds request volume per participant.
type LimitsConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxRequestBody    int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the environment without validating the result, so callers can
// layer overrides such as command-line flags before calling Validate.
// Malformed numbers are still reported.
func Read() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	temperature, err := getEnvFloat("OPENAI_TEMPERATURE", 0)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimSpace(getEnv("OPENAI_BASE_URL", ""))
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Backend: BackendConfig{
			APIKey:         strings.TrimSpace(getEnv("OPENAI_API_KEY", "")),
			BaseURL:        baseURL,
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:    temperature,
			ConnectTimeout: getEnvDuration("OPENAI_CONNECT_TIMEOUT", 30*time.Second),
		},
		Experiment: ExperimentConfig{
			TypeCode:        strings.TrimSpace(getEnv("TYPE_CODE", "")),
			DebugTranscript: getEnvBool("DEBUG_TRANSCRIPT", false),
			StreamTimeout:   getEnvDuration("STREAM_TIMEOUT", 90*time.Second),
			MaxTurns:        getEnvInt("TRANSCRIPT_MAX_TURNS", 0),
			SessionTTL:      getEnvDuration("SESSION_TTL", 60*time.Minute),
			MaxSessions:     getEnvInt("MAX_SESSIONS", 1000),
		},
		Archive: ArchiveConfig{
			Enabled: getEnvBool("ARCHIVE_ENABLED", true),
			DBPath:  getEnv("DB_PATH", "./data/experiment.db"),
		},
		Limits: LimitsConfig{
			RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			MaxRequestBody:    int64(getEnvInt("MAX_REQUEST_BODY", 64*1024)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if c.Port == "" {
		return fmt.Errorf("%w: PORT cannot be empty", ErrConfiguration)
	}
	if c.Archive.Enabled && c.Archive.DBPath == "" {
		return fmt.Errorf("%w: DB_PATH cannot be empty", ErrConfiguration)
	}
	if c.Experiment.StreamTimeout <= 0 {
		return fmt.Errorf("%w: STREAM_TIMEOUT must be > 0", ErrConfiguration)
	}
	if c.Experiment.MaxSessions <= 0 {
		return fmt.Errorf("%w: MAX_SESSIONS must be > 0", ErrConfiguration)
	}
	if c.Limits.RateLimitRequests <= 0 || c.Limits.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0", ErrConfiguration)
	}
	if c.Limits.MaxRequestBody <= 0 {
		return fmt.Errorf("%w: MAX_REQUEST_BODY must be > 0", ErrConfiguration)
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("%w: CONVERSATION_LOG_DIR cannot be empty", ErrConfiguration)
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("%w: CONVERSATION_LOG_GLOBAL_PATH cannot be empty", ErrConfiguration)
	}
	return nil
}

// Validate checks the backend settings. It is shared by every binary that
// talks to the model.
func (b BackendConfig) Validate() error {
	if b.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required", ErrConfiguration)
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: OPENAI_BASE_URL %q must be an absolute http(s) URL", ErrConfiguration, b.BaseURL)
	}
	// Written so that NaN fails too.
	if !(b.Temperature >= 0 && b.Temperature <= 1) {
		return fmt.Errorf("%w: OPENAI_TEMPERATURE %v must be within [0, 1]", ErrConfiguration, b.Temperature)
	}
	if b.Model == "" {
		return fmt.Errorf("%w: OPENAI_MODEL cannot be empty", ErrConfiguration)
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

// getEnvFloat rejects malformed values instead of falling back.
func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrConfiguration, key, value)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
