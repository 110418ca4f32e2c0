package flow

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State of one conversation session.
type State string

const (
	StateIdle              State = "idle"
	StateListening         State = "listening"
	StateUserSpeaking      State = "user_speaking"
	StateProcessing        State = "processing"
	StateAssistantSpeaking State = "assistant_speaking"
	StateInterrupting      State = "interrupting"
	StateEnded             State = "ended"
)

const apologyText = "Sorry, I had trouble answering that. Could you say it again?"

// Machine is the turn-taking state machine for one session. All methods take
// the current time explicitly and return the decisions the transition
// produced, which keeps the machine deterministic and directly testable; the
// runner is the single goroutine that calls it.
//
// The machine owns the context window and the interruption planner. It holds
// a set of armed deadlines; NextDeadline exposes the soonest one so the
// runner can sleep on exactly one timer.
type Machine struct {
	sessionID string
	cfg       Config
	state     State
	window    *Window
	interrupt *Interrupter

	startedAt      time.Time
	endAt          time.Time // startedAt + ConversationTimeout, immovable
	lastActivityAt time.Time

	speakingStartedAt time.Time
	speakingEndedAt   time.Time

	// Armed deadlines; zero means unarmed. Cleared on the transitions that
	// make them meaningless, so an armed deadline always applies to the
	// current state.
	pauseDeadline   time.Time
	talkDeadline    time.Time
	graceDeadline   time.Time
	turnDeadline    time.Time
	silenceDeadline time.Time

	pendingText  []string
	pendingStart time.Time

	processingTurnID  string
	failures          int
	interruptionCount int
	endedReason       string
}

func NewMachine(sessionID string, cfg Config, estimate TokenEstimator) *Machine {
	return &Machine{
		sessionID: sessionID,
		cfg:       cfg,
		state:     StateIdle,
		window:    NewWindow(cfg, estimate),
		interrupt: NewInterrupter(cfg.InterruptGrace),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Ended() bool  { return m.state == StateEnded }

// Start moves IDLE -> LISTENING and emits the greeting cue.
func (m *Machine) Start(now time.Time) []Decision {
	if m.state != StateIdle {
		return nil
	}
	m.startedAt = now
	m.endAt = now.Add(m.cfg.ConversationTimeout)
	m.lastActivityAt = now
	m.state = StateListening
	m.silenceDeadline = now.Add(m.cfg.MaxSilenceDuration)
	return []Decision{m.decision(DecisionGreet, now)}
}

// HandleActivity applies a voice-activity event.
func (m *Machine) HandleActivity(ev ActivityEvent, now time.Time) []Decision {
	if m.state == StateEnded {
		return nil
	}
	m.lastActivityAt = now
	if ds, ended := m.checkAbsoluteTimeout(now); ended {
		return ds
	}

	switch ev.Type {
	case ActivitySpeechStarted:
		switch m.state {
		case StateListening:
			m.state = StateUserSpeaking
			m.speakingStartedAt = now
			m.speakingEndedAt = time.Time{}
			if m.pendingStart.IsZero() {
				m.pendingStart = now
			}
			m.talkDeadline = now.Add(m.cfg.MaxUserTalkTime)
			m.pauseDeadline = time.Time{}
			m.silenceDeadline = time.Time{}
			m.turnDeadline = time.Time{}
		case StateUserSpeaking:
			// Resumed within the pause window; the utterance continues and
			// the talk budget keeps running.
			m.pauseDeadline = time.Time{}
		case StateInterrupting, StateProcessing, StateAssistantSpeaking:
			// Half-duplex: no transition. During INTERRUPTING the grace
			// deadline already governs continued speech.
		}
	case ActivitySpeechEnded:
		switch m.state {
		case StateUserSpeaking:
			m.speakingEndedAt = now
			m.pauseDeadline = now.Add(m.cfg.MinPauseBeforeResponse)
		case StateInterrupting:
			// User yielded; resume normal flow. The pending transcript is
			// retained and joins the eventual turn.
			m.graceDeadline = time.Time{}
			m.speakingEndedAt = now
			m.toListening(now, false)
		}
	}
	return nil
}

// HandleTranscript accumulates finalized STT text for the in-progress user
// turn.
func (m *Machine) HandleTranscript(text string, now time.Time) []Decision {
	if m.state == StateEnded {
		return nil
	}
	m.lastActivityAt = now
	if ds, ended := m.checkAbsoluteTimeout(now); ended {
		return ds
	}
	text = strings.TrimSpace(text)
	if text != "" {
		m.pendingText = append(m.pendingText, text)
		if m.pendingStart.IsZero() {
			m.pendingStart = now
		}
	}
	return nil
}

// HandleCompletion applies the model collaborator's result. Results for a
// stale turn (cancelled, superseded, or after session end) are discarded.
func (m *Machine) HandleCompletion(turnID, text string, err error, now time.Time) []Decision {
	if m.state != StateProcessing || turnID != m.processingTurnID {
		return nil
	}
	m.lastActivityAt = now
	if ds, ended := m.checkAbsoluteTimeout(now); ended {
		return ds
	}

	if err != nil {
		m.failures++
		if m.failures >= m.cfg.MaxCollaboratorFailures {
			return m.end(EndReasonCollaboratorFailure, now)
		}
		m.processingTurnID = ""
		m.toListening(now, true)
		d := m.decision(DecisionApology, now)
		d.Text = apologyText
		return []Decision{d}
	}

	m.failures = 0
	turnID = m.processingTurnID
	m.processingTurnID = ""
	m.window.Append(Turn{
		ID:        turnID,
		Speaker:   SpeakerAssistant,
		Text:      text,
		StartedAt: now,
		EndedAt:   now,
	})
	ds := m.pruneDecisions(now)
	m.state = StateAssistantSpeaking
	d := m.decision(DecisionSpeak, now)
	d.TurnID = turnID
	d.Text = text
	return append(ds, d)
}

// HandlePlaybackDone applies the external playback-complete signal.
func (m *Machine) HandlePlaybackDone(now time.Time) []Decision {
	if m.state != StateAssistantSpeaking {
		return nil
	}
	m.lastActivityAt = now
	if ds, ended := m.checkAbsoluteTimeout(now); ended {
		return ds
	}
	m.toListening(now, true)
	return nil
}

// End terminates the session. Idempotent: ending an ended session is a no-op.
func (m *Machine) End(reason string, now time.Time) []Decision {
	if m.state == StateEnded {
		return nil
	}
	return m.end(reason, now)
}

// Advance fires every deadline that is due at now, in deterministic order,
// and returns the produced decisions. The absolute conversation timeout is
// checked first and applies in every state.
func (m *Machine) Advance(now time.Time) []Decision {
	if m.state == StateEnded {
		return nil
	}
	if ds, ended := m.checkAbsoluteTimeout(now); ended {
		return ds
	}

	var out []Decision
	if m.state == StateUserSpeaking && due(m.pauseDeadline, now) {
		// End-of-speech plus the minimum pause: the turn is complete.
		m.pauseDeadline = time.Time{}
		m.talkDeadline = time.Time{}
		out = append(out, m.finalizeUserTurn(now)...)
	}
	if m.state == StateUserSpeaking && due(m.talkDeadline, now) {
		m.talkDeadline = time.Time{}
		m.pauseDeadline = time.Time{}
		out = append(out, m.beginInterruption(now)...)
	}
	if m.state == StateInterrupting && due(m.graceDeadline, now) {
		m.graceDeadline = time.Time{}
		switch m.cfg.InterruptFallback {
		case FallbackTerminate:
			return append(out, m.end(EndReasonInterruptTimeout, now)...)
		default:
			out = append(out, m.finalizeUserTurn(now)...)
		}
	}
	if m.state == StateListening && due(m.turnDeadline, now) {
		m.turnDeadline = time.Time{}
		out = append(out, m.decision(DecisionRePrompt, now))
	}
	if m.state == StateListening && due(m.silenceDeadline, now) {
		m.silenceDeadline = now.Add(m.cfg.MaxSilenceDuration)
		out = append(out, m.decision(DecisionRePrompt, now))
	}
	return out
}

// NextDeadline returns the soonest armed deadline. The absolute session
// deadline is always armed, so the result is never zero for a live session.
func (m *Machine) NextDeadline() time.Time {
	if m.state == StateEnded {
		return time.Time{}
	}
	next := m.endAt
	for _, d := range []time.Time{m.pauseDeadline, m.talkDeadline, m.graceDeadline, m.turnDeadline, m.silenceDeadline} {
		if !d.IsZero() && d.Before(next) {
			next = d
		}
	}
	return next
}

// Snapshot returns a read-only view of the session for the management API.
func (m *Machine) Snapshot() SessionInfo {
	return SessionInfo{
		ID:                m.sessionID,
		State:             m.state,
		StartedAt:         m.startedAt,
		LastActivityAt:    m.lastActivityAt,
		TurnCount:         m.window.Len(),
		TotalTokens:       m.window.TotalTokens(),
		InterruptionCount: m.interruptionCount,
		EndedReason:       m.endedReason,
	}
}

func (m *Machine) checkAbsoluteTimeout(now time.Time) ([]Decision, bool) {
	if m.endAt.IsZero() || now.Before(m.endAt) {
		return nil, false
	}
	return m.end(EndReasonTimeout, now), true
}

func (m *Machine) end(reason string, now time.Time) []Decision {
	m.state = StateEnded
	m.endedReason = reason
	m.pauseDeadline = time.Time{}
	m.talkDeadline = time.Time{}
	m.graceDeadline = time.Time{}
	m.turnDeadline = time.Time{}
	m.silenceDeadline = time.Time{}
	d := m.decision(DecisionSessionEnded, now)
	d.Reason = reason
	return []Decision{d}
}

// finalizeUserTurn appends the accumulated transcript as one user turn and
// requests a model completion. With no transcript to process (VAD triggered
// on noise, or STT produced nothing) the session just resumes listening.
func (m *Machine) finalizeUserTurn(now time.Time) []Decision {
	text := strings.TrimSpace(strings.Join(m.pendingText, " "))
	m.pendingText = nil
	start := m.pendingStart
	m.pendingStart = time.Time{}
	ended := m.speakingEndedAt
	m.speakingEndedAt = time.Time{}
	m.speakingStartedAt = time.Time{}

	if text == "" {
		m.toListening(now, false)
		return nil
	}

	if start.IsZero() {
		start = now
	}
	if ended.IsZero() {
		ended = now
	}
	m.window.Append(Turn{
		Speaker:   SpeakerUser,
		Text:      text,
		StartedAt: start,
		EndedAt:   ended,
	})
	ds := m.pruneDecisions(now)

	m.state = StateProcessing
	m.processingTurnID = uuid.NewString()
	d := m.decision(DecisionRequestCompletion, now)
	d.TurnID = m.processingTurnID
	d.Context = m.window.ContextForModel()
	return append(ds, d)
}

func (m *Machine) beginInterruption(now time.Time) []Decision {
	plan := m.interrupt.BeginInterruption(now)
	m.state = StateInterrupting
	m.graceDeadline = plan.GraceDeadline
	m.interruptionCount++
	d := m.decision(DecisionInterruptPrompt, now)
	d.Text = plan.Message
	return []Decision{d}
}

func (m *Machine) pruneDecisions(now time.Time) []Decision {
	res := m.window.PruneIfNeeded()
	if !res.Warned {
		return nil
	}
	return []Decision{m.decision(DecisionContextWarning, now)}
}

// toListening resets the turn timers. armTurn is set when arriving from an
// assistant turn, where TurnTimeout bounds the wait for the user's reply.
func (m *Machine) toListening(now time.Time, armTurn bool) {
	m.state = StateListening
	m.silenceDeadline = now.Add(m.cfg.MaxSilenceDuration)
	if armTurn {
		m.turnDeadline = now.Add(m.cfg.TurnTimeout)
	} else {
		m.turnDeadline = time.Time{}
	}
	m.pauseDeadline = time.Time{}
	m.talkDeadline = time.Time{}
	m.graceDeadline = time.Time{}
}

func (m *Machine) decision(t DecisionType, now time.Time) Decision {
	return Decision{Type: t, SessionID: m.sessionID, At: now}
}

func due(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
