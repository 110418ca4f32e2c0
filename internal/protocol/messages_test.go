package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioFrame(t *testing.T) {
	raw := []byte(`{"type":"audio_frame","session_id":"s1","energy":0.042,"ts_ms":1700000000123}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	frame, ok := parsed.(AudioFrame)
	if !ok {
		t.Fatalf("parsed type = %T, want AudioFrame", parsed)
	}
	if frame.SessionID != "s1" || frame.Energy != 0.042 || frame.TSMs != 1700000000123 {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestParseClientMessageTranscript(t *testing.T) {
	raw := []byte(`{"type":"transcript","session_id":"s1","text":"hello"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	tr, ok := parsed.(Transcript)
	if !ok || tr.Text != "hello" {
		t.Fatalf("parsed = %+v (%T)", parsed, parsed)
	}
}

func TestParseClientMessagePlaybackComplete(t *testing.T) {
	raw := []byte(`{"type":"playback_complete","session_id":"s1","turn_id":"t9"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	pc, ok := parsed.(PlaybackComplete)
	if !ok || pc.TurnID != "t9" {
		t.Fatalf("parsed = %+v (%T)", parsed, parsed)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"end"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cc, ok := parsed.(ClientControl)
	if !ok || cc.Action != "end" {
		t.Fatalf("parsed = %+v (%T)", parsed, parsed)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"telepathy","session_id":"s1"}`},
		{"frame without session", `{"type":"audio_frame","energy":0.1}`},
		{"transcript without text", `{"type":"transcript","session_id":"s1"}`},
		{"control without action", `{"type":"client_control","session_id":"s1"}`},
	}
	for _, tc := range cases {
		if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: message accepted", tc.name)
		}
	}
}

func TestParseClientMessageUnsupportedTypeError(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"telepathy","session_id":"s1"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
