package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/avelin/callflow/internal/flow"
)

// MockCompleter provides deterministic local replies when no model backend is
// configured.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (m *MockCompleter) Complete(ctx context.Context, req flow.CompletionRequest) (flow.CompletionResult, error) {
	select {
	case <-ctx.Done():
		return flow.CompletionResult{}, ctx.Err()
	default:
	}

	return flow.CompletionResult{Text: buildMockReply(req)}, nil
}

func buildMockReply(req flow.CompletionRequest) string {
	var lastUser string
	for i := len(req.Context) - 1; i >= 0; i-- {
		if req.Context[i].Speaker == flow.SpeakerUser {
			lastUser = strings.TrimSpace(req.Context[i].Text)
			break
		}
	}
	if lastUser == "" {
		return "I'm listening."
	}
	return fmt.Sprintf("I heard you: %s", lastUser)
}
