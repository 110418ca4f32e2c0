// Package completion implements the external model-call collaborator behind
// the flow controller. The controller treats it as a single awaited call per
// processing span; retry policy lives here, not in the state machine.
package completion

import (
	"errors"
	"strings"

	"github.com/avelin/callflow/internal/flow"
)

// Config controls adapter construction.
type Config struct {
	Mode    string // auto | mock | http
	HTTPURL string
}

// NewAdapter builds a flow.Completer for the configured mode. Auto prefers
// the HTTP backend when a URL is configured and falls back to the mock.
func NewAdapter(cfg Config) (flow.Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPCompleter(cfg.HTTPURL), nil
		}
		return NewMockCompleter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("completion http url is required for http mode")
		}
		return NewHTTPCompleter(cfg.HTTPURL), nil
	case "mock":
		return NewMockCompleter(), nil
	default:
		return nil, errors.New("invalid completion mode: " + mode + " (expected auto|http|mock)")
	}
}
