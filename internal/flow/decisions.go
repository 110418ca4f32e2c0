package flow

import "time"

// DecisionType enumerates the controller's outputs. The surrounding system
// (transport, TTS, model collaborator) acts on these; the controller itself
// never touches audio or the network.
type DecisionType string

const (
	DecisionGreet             DecisionType = "greet"
	DecisionRequestCompletion DecisionType = "request_completion"
	DecisionSpeak             DecisionType = "speak"
	DecisionInterruptPrompt   DecisionType = "interrupt_prompt"
	DecisionRePrompt          DecisionType = "re_prompt"
	DecisionContextWarning    DecisionType = "context_warning"
	DecisionApology           DecisionType = "apology"
	DecisionSessionEnded      DecisionType = "session_ended"
)

// Session end reasons.
const (
	EndReasonClientRequest       = "client_request"
	EndReasonTimeout             = "timeout"
	EndReasonInterruptTimeout    = "interrupt_timeout"
	EndReasonCollaboratorFailure = "collaborator_failure"
	EndReasonShutdown            = "shutdown"
)

// Decision is a single controller output.
type Decision struct {
	Type      DecisionType `json:"type"`
	SessionID string       `json:"session_id"`
	TurnID    string       `json:"turn_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Context   []Turn       `json:"context,omitempty"`
	At        time.Time    `json:"at"`
}
