package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avelin/callflow/internal/history"
	"github.com/avelin/callflow/internal/observability"
)

func fastTestConfig() Config {
	return Config{
		MinPauseBeforeResponse:  30 * time.Millisecond,
		MaxUserTalkTime:         2 * time.Second,
		TurnTimeout:             200 * time.Millisecond,
		MaxSilenceDuration:      400 * time.Millisecond,
		ConversationTimeout:     10 * time.Second,
		MaxConversationTurns:    20,
		MaxTotalTokens:          4000,
		ContextWarningTurns:     18,
		InterruptGrace:          100 * time.Millisecond,
		InterruptFallback:       FallbackForceProcess,
		MaxCollaboratorFailures: 3,
	}
}

type scriptedCompleter struct {
	reply string
	err   error
}

func (c scriptedCompleter) Complete(_ context.Context, _ CompletionRequest) (CompletionResult, error) {
	if c.err != nil {
		return CompletionResult{}, c.err
	}
	return CompletionResult{Text: c.reply}, nil
}

func newTestManager(t *testing.T, completer Completer, retention time.Duration) *Manager {
	t.Helper()
	if completer == nil {
		completer = scriptedCompleter{reply: "understood"}
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_flow_%d", time.Now().UnixNano()))
	m, err := NewManager(fastTestConfig(), completer, history.NewInMemoryStore(), metrics, retention)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

// awaitDecision reads the stream until a decision of the wanted type arrives,
// skipping unrelated ones (silence re-prompts fire freely with fast timers).
func awaitDecision(t *testing.T, ch <-chan Decision, want DecisionType) Decision {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				t.Fatalf("decision stream closed while waiting for %q", want)
			}
			if d.Type == want {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for decision %q", want)
		}
	}
}

func awaitClose(t *testing.T, ch <-chan Decision) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("decision stream did not close")
		}
	}
}

func TestManagerStartGetEnd(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)

	info, err := m.StartSession(m.Defaults())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if info.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	ch, err := m.Decisions(info.ID)
	if err != nil {
		t.Fatalf("Decisions() error = %v", err)
	}
	if d := awaitDecision(t, ch, DecisionGreet); d.SessionID != info.ID {
		t.Fatalf("greeting session ID = %q, want %q", d.SessionID, info.ID)
	}

	got, err := m.GetSession(info.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != StateListening {
		t.Fatalf("state = %q, want %q", got.State, StateListening)
	}

	if err := m.EndSession(info.ID, EndReasonClientRequest); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	end := awaitDecision(t, ch, DecisionSessionEnded)
	if end.Reason != EndReasonClientRequest {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndReasonClientRequest)
	}
	awaitClose(t, ch)

	// Repeated end of a retained session is a no-op, not an error.
	if err := m.EndSession(info.ID, EndReasonClientRequest); err != nil {
		t.Fatalf("second EndSession() error = %v", err)
	}

	got, err = m.GetSession(info.ID)
	if err != nil {
		t.Fatalf("GetSession() after end error = %v", err)
	}
	if got.State != StateEnded || got.EndedReason != EndReasonClientRequest {
		t.Fatalf("ended snapshot = %+v", got)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	if _, err := m.GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(unknown) error = %v, want ErrNotFound", err)
	}
	if err := m.EndSession("nope", EndReasonClientRequest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EndSession(unknown) error = %v, want ErrNotFound", err)
	}
	if err := m.Push("nope", TranscriptEvent{Text: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Push(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	bad := m.Defaults()
	bad.MaxConversationTurns = 0
	if _, err := m.StartSession(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("StartSession(invalid) error = %v, want ErrInvalidConfig", err)
	}
}

func TestManagerConversationRoundTrip(t *testing.T) {
	m := newTestManager(t, scriptedCompleter{reply: "the answer"}, time.Minute)
	info, err := m.StartSession(m.Defaults())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	ch, _ := m.Decisions(info.ID)
	awaitDecision(t, ch, DecisionGreet)

	// Loud frames until VAD fires, transcript, then silence frames.
	now := time.Now()
	for i := 0; i < 8; i++ {
		_ = m.Push(info.ID, FrameEvent{Energy: 0.05, At: now.Add(time.Duration(i) * 20 * time.Millisecond)})
	}
	_ = m.Push(info.ID, TranscriptEvent{Text: "what time is it"})
	for i := 0; i < 40; i++ {
		_ = m.Push(info.ID, FrameEvent{Energy: 0, At: now.Add(time.Duration(8+i) * 20 * time.Millisecond)})
	}

	req := awaitDecision(t, ch, DecisionRequestCompletion)
	if len(req.Context) == 0 || req.Context[len(req.Context)-1].Text != "what time is it" {
		t.Fatalf("completion context = %+v", req.Context)
	}

	speak := awaitDecision(t, ch, DecisionSpeak)
	if speak.Text != "the answer" {
		t.Fatalf("speak text = %q, want %q", speak.Text, "the answer")
	}

	_ = m.Push(info.ID, PlaybackDoneEvent{TurnID: speak.TurnID})
	awaitDecision(t, ch, DecisionRePrompt)

	got, err := m.GetSession(info.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.TurnCount != 2 {
		t.Fatalf("turn count = %d, want 2", got.TurnCount)
	}

	_ = m.EndSession(info.ID, EndReasonClientRequest)
	awaitClose(t, ch)
}

func TestManagerCollaboratorFailureEndsSession(t *testing.T) {
	cfg := fastTestConfig()
	cfg.MaxCollaboratorFailures = 1
	completer := scriptedCompleter{err: errors.New("upstream down")}
	metrics := observability.NewMetrics(fmt.Sprintf("test_flow_%d", time.Now().UnixNano()))
	m, err := NewManager(cfg, completer, history.NewInMemoryStore(), metrics, time.Minute)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	info, err := m.StartSession(cfg)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	ch, _ := m.Decisions(info.ID)

	now := time.Now()
	for i := 0; i < 8; i++ {
		_ = m.Push(info.ID, FrameEvent{Energy: 0.05, At: now.Add(time.Duration(i) * 20 * time.Millisecond)})
	}
	_ = m.Push(info.ID, TranscriptEvent{Text: "hello"})
	for i := 0; i < 40; i++ {
		_ = m.Push(info.ID, FrameEvent{Energy: 0, At: now.Add(time.Duration(8+i) * 20 * time.Millisecond)})
	}

	end := awaitDecision(t, ch, DecisionSessionEnded)
	if end.Reason != EndReasonCollaboratorFailure {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndReasonCollaboratorFailure)
	}
	awaitClose(t, ch)
}

func TestManagerShutdownEndsAllSessions(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	a, _ := m.StartSession(m.Defaults())
	b, _ := m.StartSession(m.Defaults())
	chA, _ := m.Decisions(a.ID)
	chB, _ := m.Decisions(b.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	for _, ch := range []<-chan Decision{chA, chB} {
		end := awaitDecision(t, ch, DecisionSessionEnded)
		if end.Reason != EndReasonShutdown {
			t.Fatalf("end reason = %q, want %q", end.Reason, EndReasonShutdown)
		}
		awaitClose(t, ch)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after shutdown, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorSweepsEndedSessions(t *testing.T) {
	m := newTestManager(t, nil, 30*time.Millisecond)
	info, _ := m.StartSession(m.Defaults())
	ch, _ := m.Decisions(info.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	_ = m.EndSession(info.ID, EndReasonClientRequest)
	awaitClose(t, ch)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := m.GetSession(info.ID); errors.Is(err, ErrNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ended session was not swept")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
