package flow

import (
	"github.com/google/uuid"
)

// TokenEstimator maps text to an approximate model-context cost. It must be
// deterministic and monotonic in text length; the default is a character
// heuristic.
type TokenEstimator func(text string) int

// DefaultTokenEstimator approximates one token per four characters.
func DefaultTokenEstimator(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// PruneResult reports what PruneIfNeeded did.
type PruneResult struct {
	Pruned  bool
	Dropped int
	Warned  bool
}

// Window is the bounded turn history behind a session's model context.
// Pruning is FIFO discard of the oldest turns; dropped turns do not return to
// the active context in any form.
type Window struct {
	maxTurns  int
	maxTokens int
	warnTurns int
	estimate  TokenEstimator

	turns       []Turn
	totalTokens int
	warned      bool
}

func NewWindow(cfg Config, estimate TokenEstimator) *Window {
	if estimate == nil {
		estimate = DefaultTokenEstimator
	}
	return &Window{
		maxTurns:  cfg.MaxConversationTurns,
		maxTokens: cfg.MaxTotalTokens,
		warnTurns: cfg.ContextWarningTurns,
		estimate:  estimate,
	}
}

// Append stores a turn, computing its token estimate at append time, and
// returns the stored copy.
func (w *Window) Append(t Turn) Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.ApproxTokens = w.estimate(t.Text)
	w.turns = append(w.turns, t)
	w.totalTokens += t.ApproxTokens
	return t
}

// ContextForModel returns the current slice to send to the model, oldest
// first. The returned slice is a copy.
func (w *Window) ContextForModel() []Turn {
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// PruneIfNeeded drops the oldest turns until both the turn-count and token
// caps hold again. The context warning fires once per session when the turn
// count first reaches the warning threshold, before pruning would trigger.
// Re-running on an already-pruned window is a no-op.
func (w *Window) PruneIfNeeded() PruneResult {
	var res PruneResult
	if !w.warned && len(w.turns) >= w.warnTurns {
		w.warned = true
		res.Warned = true
	}
	for len(w.turns) > w.maxTurns || w.totalTokens > w.maxTokens {
		if len(w.turns) == 0 {
			break
		}
		w.totalTokens -= w.turns[0].ApproxTokens
		w.turns = w.turns[1:]
		res.Dropped++
	}
	res.Pruned = res.Dropped > 0
	return res
}

func (w *Window) Len() int         { return len(w.turns) }
func (w *Window) TotalTokens() int { return w.totalTokens }
func (w *Window) Warned() bool     { return w.warned }
