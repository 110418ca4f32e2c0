package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// InterruptFallback selects what happens when a user talks past the
// interruption grace deadline.
type InterruptFallback string

const (
	// FallbackForceProcess finalizes whatever partial transcript exists and
	// sends it to the model.
	FallbackForceProcess InterruptFallback = "force_process"
	// FallbackTerminate ends the session instead.
	FallbackTerminate InterruptFallback = "terminate"
)

var ErrInvalidConfig = errors.New("invalid conversation config")

// Config holds the per-session timing and context-budget knobs. It is
// immutable after session creation; deployments tune the defaults through the
// service environment and callers may override fields per call.
type Config struct {
	MinPauseBeforeResponse time.Duration `json:"min_pause_before_response"`
	MaxUserTalkTime        time.Duration `json:"max_user_talk_time"`
	TurnTimeout            time.Duration `json:"turn_timeout"`
	MaxSilenceDuration     time.Duration `json:"max_silence_duration"`
	ConversationTimeout    time.Duration `json:"conversation_timeout"`

	MaxConversationTurns int `json:"max_conversation_turns"`
	MaxTotalTokens       int `json:"max_total_tokens"`
	ContextWarningTurns  int `json:"context_warning_turns"`

	InterruptGrace    time.Duration     `json:"interrupt_grace"`
	InterruptFallback InterruptFallback `json:"interrupt_fallback"`

	MaxCollaboratorFailures int `json:"max_collaborator_failures"`
}

// DefaultConfig returns the stock conversational profile.
func DefaultConfig() Config {
	return Config{
		MinPauseBeforeResponse:  2 * time.Second,
		MaxUserTalkTime:         30 * time.Second,
		TurnTimeout:             5 * time.Second,
		MaxSilenceDuration:      8 * time.Second,
		ConversationTimeout:     5 * time.Minute,
		MaxConversationTurns:    20,
		MaxTotalTokens:          4000,
		ContextWarningTurns:     18,
		InterruptGrace:          5 * time.Second,
		InterruptFallback:       FallbackForceProcess,
		MaxCollaboratorFailures: 3,
	}
}

// Validate rejects configs that violate the timing and context-budget
// orderings. Sessions are never created with a coerced config.
func (c Config) Validate() error {
	if c.MinPauseBeforeResponse <= 0 || c.MaxUserTalkTime <= 0 || c.TurnTimeout <= 0 ||
		c.MaxSilenceDuration <= 0 || c.ConversationTimeout <= 0 || c.InterruptGrace <= 0 {
		return fmt.Errorf("%w: all durations must be positive", ErrInvalidConfig)
	}
	if c.MaxConversationTurns <= 0 || c.MaxTotalTokens <= 0 || c.ContextWarningTurns <= 0 {
		return fmt.Errorf("%w: context limits must be positive", ErrInvalidConfig)
	}
	if c.ContextWarningTurns >= c.MaxConversationTurns {
		return fmt.Errorf("%w: context_warning_turns (%d) must be below max_conversation_turns (%d)",
			ErrInvalidConfig, c.ContextWarningTurns, c.MaxConversationTurns)
	}
	if !(c.MinPauseBeforeResponse < c.TurnTimeout &&
		c.TurnTimeout < c.MaxSilenceDuration &&
		c.MaxSilenceDuration < c.ConversationTimeout) {
		return fmt.Errorf("%w: require min_pause < turn_timeout < max_silence < conversation_timeout", ErrInvalidConfig)
	}
	if c.InterruptGrace >= c.MaxUserTalkTime {
		return fmt.Errorf("%w: interrupt_grace (%s) must be below max_user_talk_time (%s)",
			ErrInvalidConfig, c.InterruptGrace, c.MaxUserTalkTime)
	}
	switch c.InterruptFallback {
	case FallbackForceProcess, FallbackTerminate:
	default:
		return fmt.Errorf("%w: interrupt_fallback %q (expected force_process|terminate)", ErrInvalidConfig, c.InterruptFallback)
	}
	if c.MaxCollaboratorFailures <= 0 {
		return fmt.Errorf("%w: max_collaborator_failures must be positive", ErrInvalidConfig)
	}
	return nil
}

// ParseInterruptFallback normalizes a textual fallback policy.
func ParseInterruptFallback(raw string) (InterruptFallback, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FallbackForceProcess):
		return FallbackForceProcess, nil
	case string(FallbackTerminate):
		return FallbackTerminate, nil
	default:
		return "", fmt.Errorf("%w: interrupt_fallback %q", ErrInvalidConfig, raw)
	}
}
