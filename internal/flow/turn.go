package flow

import "time"

// Speaker identifies which party produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one complete utterance by either party. Turns are immutable once
// appended to a session's window; history edits append, never mutate.
type Turn struct {
	ID           string    `json:"id"`
	Speaker      Speaker   `json:"speaker"`
	Text         string    `json:"text"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	ApproxTokens int       `json:"approx_tokens"`
}
