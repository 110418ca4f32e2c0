package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioFrame       MessageType = "audio_frame"
	TypeTranscript       MessageType = "transcript"
	TypePlaybackComplete MessageType = "playback_complete"
	TypeClientControl    MessageType = "client_control"
	TypeDecisionEvent    MessageType = "decision_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioFrame carries one normalized energy sample from the client's audio
// pipeline.
type AudioFrame struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Energy    float64     `json:"energy"`
	TSMs      int64       `json:"ts_ms"`
}

// Transcript carries a finalized user utterance from the STT collaborator.
type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// PlaybackComplete signals the TTS/playback collaborator finished speaking.
type PlaybackComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TSMs      int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// ContextTurn is one turn of the model-context slice on the wire.
type ContextTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// DecisionEvent is the controller's outbound decision stream payload.
type DecisionEvent struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Decision  string        `json:"decision"`
	TurnID    string        `json:"turn_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Context   []ContextTurn `json:"context,omitempty"`
	TSMs      int64         `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound websocket payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioFrame:
		var msg AudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid audio_frame")
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid transcript")
		}
		return msg, nil
	case TypePlaybackComplete:
		var msg PlaybackComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid playback_complete")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
