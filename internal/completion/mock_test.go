package completion

import (
	"context"
	"testing"

	"github.com/avelin/callflow/internal/flow"
)

func TestMockCompleterEchoesLastUserTurn(t *testing.T) {
	m := NewMockCompleter()
	res, err := m.Complete(context.Background(), flow.CompletionRequest{
		SessionID: "s1",
		TurnID:    "t1",
		Context: []flow.Turn{
			{Speaker: flow.SpeakerUser, Text: "first question"},
			{Speaker: flow.SpeakerAssistant, Text: "first answer"},
			{Speaker: flow.SpeakerUser, Text: "second question"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "I heard you: second question" {
		t.Fatalf("reply = %q", res.Text)
	}
}

func TestMockCompleterEmptyContext(t *testing.T) {
	m := NewMockCompleter()
	res, err := m.Complete(context.Background(), flow.CompletionRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "I'm listening." {
		t.Fatalf("reply = %q", res.Text)
	}
}

func TestMockCompleterHonorsCancellation(t *testing.T) {
	m := NewMockCompleter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Complete(ctx, flow.CompletionRequest{}); err == nil {
		t.Fatalf("Complete() with cancelled context should fail")
	}
}
