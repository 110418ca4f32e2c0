package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelin/callflow/internal/history"
	"github.com/avelin/callflow/internal/observability"
)

var ErrNotFound = errors.New("session not found")

// SessionInfo is the externally visible snapshot of one session.
type SessionInfo struct {
	ID                string    `json:"session_id"`
	State             State     `json:"state"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	TurnCount         int       `json:"turn_count"`
	TotalTokens       int       `json:"total_tokens"`
	InterruptionCount int       `json:"interruption_count"`
	EndedReason       string    `json:"ended_reason,omitempty"`
}

// Manager owns the registry of live sessions. It is the only cross-session
// shared structure; each session's state is confined to its runner goroutine.
type Manager struct {
	defaults  Config
	completer Completer
	archive   history.Store
	metrics   *observability.Metrics
	retention time.Duration

	mu       sync.RWMutex
	sessions map[string]*handle
}

type handle struct {
	r       *runner
	endOnce sync.Once
	endedAt time.Time // set by the manager once the runner exits
}

// NewManager builds a lifecycle manager. retention controls how long ended
// sessions stay visible to GetSession/EndSession before the janitor removes
// them, which keeps shutdown races (timeout vs explicit close) idempotent.
func NewManager(defaults Config, completer Completer, archive history.Store, metrics *observability.Metrics, retention time.Duration) (*Manager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if completer == nil {
		return nil, errors.New("flow: completer is required")
	}
	if retention <= 0 {
		retention = time.Minute
	}
	return &Manager{
		defaults:  defaults,
		completer: completer,
		archive:   archive,
		metrics:   metrics,
		retention: retention,
		sessions:  make(map[string]*handle),
	}, nil
}

// Defaults returns the deployment-wide config template.
func (m *Manager) Defaults() Config { return m.defaults }

// StartSession validates cfg, registers a new session, and starts its runner.
// The greeting decision is emitted immediately on the session's stream.
func (m *Manager) StartSession(cfg Config) (SessionInfo, error) {
	if err := cfg.Validate(); err != nil {
		return SessionInfo{}, err
	}

	id := uuid.NewString()
	r := newRunner(id, cfg, m.completer, m.archive, m.metrics)
	ctx, cancel := context.WithCancelCause(context.Background())
	r.cancel = cancel
	h := &handle{r: r}

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	m.metrics.SessionEvents.WithLabelValues("created").Inc()
	m.metrics.ActiveSessions.Inc()

	go r.run(ctx, func() {
		cancel(nil)
		m.mu.Lock()
		if hh, ok := m.sessions[id]; ok && hh.endedAt.IsZero() {
			hh.endedAt = time.Now()
		}
		m.mu.Unlock()
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionEvents.WithLabelValues("ended").Inc()
	})

	return r.snapshot(), nil
}

// GetSession returns a snapshot of a live or recently ended session.
func (m *Manager) GetSession(id string) (SessionInfo, error) {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, ErrNotFound
	}
	return h.r.snapshot(), nil
}

// EndSession terminates a session. Ending an already-ended session is a
// no-op, not an error; only unknown IDs fail.
func (m *Manager) EndSession(id, reason string) error {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	h.endOnce.Do(func() {
		h.r.requestEnd(reason)
	})
	return nil
}

// Push delivers an inbound event (frame, transcript, playback-complete) to a
// session, preserving per-session arrival order.
func (m *Manager) Push(id string, evt any) error {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	h.r.push(evt)
	return nil
}

// Decisions returns the session's decision stream. The channel closes after
// the terminal SessionEnded decision.
func (m *Manager) Decisions(id string) (<-chan Decision, error) {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return h.r.decisions, nil
}

// ActiveCount reports sessions whose runner is still live.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, h := range m.sessions {
		if h.endedAt.IsZero() {
			count++
		}
	}
	return count
}

// StartJanitor periodically drops ended sessions that are past retention.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Shutdown ends every live session with reason "shutdown" and waits for the
// runners to drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.endOnce.Do(func() { h.r.requestEnd(EndReasonShutdown) })
	}
	for _, h := range handles {
		select {
		case <-h.r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.sessions {
		if !h.endedAt.IsZero() && now.Sub(h.endedAt) >= m.retention {
			delete(m.sessions, id)
		}
	}
}
