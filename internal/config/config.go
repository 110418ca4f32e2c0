package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avelin/callflow/internal/flow"
)

// Config contains all runtime settings for the conversation-flow service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionRetention time.Duration

	CompletionMode    string
	CompletionHTTPURL string

	DatabaseURL string

	Flow flow.Config
}

// Load reads environment variables and applies safe defaults. Flow-config
// ordering invariants are validated here so a broken deployment fails at
// startup, not at first call.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "callflow"),
		AllowAnyOrigin:    false,
		ShutdownTimeout:   15 * time.Second,
		SessionRetention:  time.Minute,
		CompletionMode:    envOrDefault("COMPLETION_MODE", "auto"),
		CompletionHTTPURL: trimEnv("COMPLETION_HTTP_URL"),
		DatabaseURL:       trimEnv("DATABASE_URL"),
		Flow:              flow.DefaultConfig(),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.Flow.MinPauseBeforeResponse, err = durationFromEnv("FLOW_MIN_PAUSE", cfg.Flow.MinPauseBeforeResponse)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.MaxUserTalkTime, err = durationFromEnv("FLOW_MAX_USER_TALK_TIME", cfg.Flow.MaxUserTalkTime)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.TurnTimeout, err = durationFromEnv("FLOW_TURN_TIMEOUT", cfg.Flow.TurnTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.MaxSilenceDuration, err = durationFromEnv("FLOW_MAX_SILENCE", cfg.Flow.MaxSilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.ConversationTimeout, err = durationFromEnv("FLOW_CONVERSATION_TIMEOUT", cfg.Flow.ConversationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.InterruptGrace, err = durationFromEnv("FLOW_INTERRUPT_GRACE", cfg.Flow.InterruptGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.MaxConversationTurns, err = intFromEnv("FLOW_MAX_TURNS", cfg.Flow.MaxConversationTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.MaxTotalTokens, err = intFromEnv("FLOW_MAX_TOKENS", cfg.Flow.MaxTotalTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.ContextWarningTurns, err = intFromEnv("FLOW_WARN_TURNS", cfg.Flow.ContextWarningTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.MaxCollaboratorFailures, err = intFromEnv("FLOW_MAX_COLLABORATOR_FAILURES", cfg.Flow.MaxCollaboratorFailures)
	if err != nil {
		return Config{}, err
	}
	cfg.Flow.InterruptFallback, err = flow.ParseInterruptFallback(trimEnv("FLOW_INTERRUPT_FALLBACK"))
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionRetention < time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_RETENTION must be at least 1s")
	}
	if err := cfg.Flow.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
