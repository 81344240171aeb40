package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jwebster45206/phase-engine/pkg/history"
)

var validate = validator.New()

type Config struct {
	Port        string     `validate:"required,numeric"`
	Environment string     `validate:"required"`
	LogLevel    slog.Level `validate:"-"`
	RedisURL    string     `validate:"required"`

	LLMProvider      string `validate:"oneof=openai venice ollama"`
	LLMBaseURL       string `validate:"omitempty,url"`
	LLMAPIKey        string `validate:"required_unless=LLMProvider ollama"`
	ModelName        string `validate:"required"`
	BackendModelName string // summaries and probes; defaults to ModelName

	PhasesFile    string
	PromptsDir    string
	ContentRating string `validate:"omitempty,oneof=G PG PG-13 R"`

	MemoryBackend string `validate:"oneof=redis badger"`
	BadgerPath    string `validate:"required_if=MemoryBackend badger"`
	LockBackend   string `validate:"oneof=local redis"`

	MaxHistoryTurns int           `validate:"gte=3"`
	MaxHistoryChars int           `validate:"gte=1"`
	KeepRecentTurns int           `validate:"gte=1"`
	TurnTimeout     time.Duration `validate:"gte=0"`
	SessionTTL      time.Duration `validate:"gte=0"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    parseLogLevel(getEnv("LOG_LEVEL", "info")),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),

		LLMProvider: strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMBaseURL:  getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		ModelName:   getEnv("MODEL_NAME", "gpt-4o-mini"),

		PhasesFile:    getEnv("PHASES_FILE", ""),
		PromptsDir:    getEnv("PROMPTS_DIR", ""),
		ContentRating: strings.ToUpper(getEnv("CONTENT_RATING", "")),

		MemoryBackend: strings.ToLower(getEnv("MEMORY_BACKEND", "redis")),
		BadgerPath:    getEnv("BADGER_PATH", ""),
		LockBackend:   strings.ToLower(getEnv("LOCK_BACKEND", "local")),
	}
	cfg.BackendModelName = getEnv("SUMMARY_MODEL_NAME", cfg.ModelName)

	var err error
	defaults := history.DefaultLimits()
	if cfg.MaxHistoryTurns, err = getEnvInt("MAX_HISTORY_TURNS", defaults.MaxTurns); err != nil {
		return nil, err
	}
	if cfg.MaxHistoryChars, err = getEnvInt("MAX_HISTORY_CHARS", defaults.MaxChars); err != nil {
		return nil, err
	}
	if cfg.KeepRecentTurns, err = getEnvInt("KEEP_RECENT_TURNS", defaults.KeepRecent); err != nil {
		return nil, err
	}
	if cfg.TurnTimeout, err = getEnvDuration("TURN_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the history limits.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Limits returns the configured history ceilings.
func (c *Config) Limits() history.Limits {
	return history.Limits{
		MaxTurns:   c.MaxHistoryTurns,
		MaxChars:   c.MaxHistoryChars,
		KeepRecent: c.KeepRecentTurns,
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
