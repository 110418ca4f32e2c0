package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avelin/callflow/internal/flow"
	"github.com/avelin/callflow/internal/reliability"
)

const (
	httpTimeout     = 60 * time.Second
	maxAttempts     = 3
	backoffBase     = 250 * time.Millisecond
	backoffCap      = 2 * time.Second
	maxErrorPreview = 4 << 10
)

// HTTPCompleter forwards the context slice to a completion-compatible HTTP
// endpoint.
type HTTPCompleter struct {
	url    string
	client *http.Client
}

func NewHTTPCompleter(url string) *HTTPCompleter {
	return &HTTPCompleter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

type wireTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type wireRequest struct {
	SessionID string     `json:"session_id"`
	TurnID    string     `json:"turn_id"`
	Context   []wireTurn `json:"context"`
}

type wireResponse struct {
	Text string `json:"text"`
}

func (c *HTTPCompleter) Complete(ctx context.Context, req flow.CompletionRequest) (flow.CompletionResult, error) {
	payload := wireRequest{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Context:   make([]wireTurn, 0, len(req.Context)),
	}
	for _, t := range req.Context {
		payload.Context = append(payload.Context, wireTurn{Speaker: string(t.Speaker), Text: t.Text})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return flow.CompletionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, backoffBase, backoffCap)
			select {
			case <-ctx.Done():
				return flow.CompletionResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		res, retryable, err := c.doOnce(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return flow.CompletionResult{}, lastErr
}

func (c *HTTPCompleter) doOnce(ctx context.Context, body []byte) (flow.CompletionResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return flow.CompletionResult{}, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return flow.CompletionResult{}, false, ctx.Err()
		}
		return flow.CompletionResult{}, true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorPreview))
		err := fmt.Errorf("completion http status %d: %s", res.StatusCode, string(preview))
		return flow.CompletionResult{}, reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return flow.CompletionResult{}, true, fmt.Errorf("read response: %w", err)
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Plain-text backends are accepted as-is.
		text := strings.TrimSpace(string(raw))
		return flow.CompletionResult{Text: text}, false, nil
	}
	return flow.CompletionResult{Text: strings.TrimSpace(parsed.Text)}, false, nil
}
