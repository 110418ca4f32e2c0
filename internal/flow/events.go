package flow

import (
	"context"
	"time"
)

// Inbound events pushed into a session's runner. Events for one session are
// processed strictly in arrival order through a single channel.

// FrameEvent is one audio-energy sample from the transport layer.
type FrameEvent struct {
	Energy float64
	At     time.Time
}

// TranscriptEvent is a finalized user utterance pushed by the external STT
// collaborator.
type TranscriptEvent struct {
	Text string
	At   time.Time
}

// PlaybackDoneEvent signals that the external playback collaborator finished
// speaking an assistant turn.
type PlaybackDoneEvent struct {
	TurnID string
	At     time.Time
}

// completionDone is the internal event carrying a model-completion result
// back onto the session's serialized event stream.
type completionDone struct {
	turnID string
	text   string
	err    error
}

// CompletionRequest is handed to the external model collaborator with the
// pruned context slice.
type CompletionRequest struct {
	SessionID string
	TurnID    string
	Context   []Turn
}

// CompletionResult is the collaborator's reply.
type CompletionResult struct {
	Text string
}

// Completer is the external LLM-completion collaborator. One awaited call per
// PROCESSING span; retry policy belongs to the implementation, not this core.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
