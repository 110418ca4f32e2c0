package flow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/avelin/callflow/internal/history"
	"github.com/avelin/callflow/internal/observability"
)

const (
	inboundBuffer    = 256
	decisionBuffer   = 64
	archiveTimeout   = 2 * time.Second
	maxTimerCoalesce = time.Minute
)

// runner owns one session: a single goroutine that serializes every inbound
// event and timer wake through the machine. The mutex only exists so the
// manager can snapshot session state from other goroutines; the machine still
// has exactly one logical writer.
type runner struct {
	id        string
	completer Completer
	archive   history.Store
	metrics   *observability.Metrics

	mu      sync.Mutex
	machine *Machine
	monitor *Monitor

	inbound   chan any
	decisions chan Decision
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

func newRunner(id string, cfg Config, completer Completer, archive history.Store, metrics *observability.Metrics) *runner {
	return &runner{
		id:        id,
		completer: completer,
		archive:   archive,
		metrics:   metrics,
		machine:   NewMachine(id, cfg, nil),
		monitor:   NewMonitor(DefaultMonitorConfig()),
		inbound:   make(chan any, inboundBuffer),
		decisions: make(chan Decision, decisionBuffer),
		done:      make(chan struct{}),
	}
}

type endCause struct{ reason string }

func (e endCause) Error() string { return "session end: " + e.reason }

// push enqueues an inbound event, preserving arrival order. A full queue
// drops the event; frames are the only high-rate input and a dropped frame
// only delays VAD by one sample.
func (r *runner) push(evt any) bool {
	select {
	case r.inbound <- evt:
		return true
	default:
		r.metrics.SessionEvents.WithLabelValues("inbound_overflow").Inc()
		return false
	}
}

func (r *runner) requestEnd(reason string) {
	r.cancel(endCause{reason: reason})
}

func (r *runner) snapshot() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine.Snapshot()
}

func (r *runner) run(ctx context.Context, onExit func()) {
	defer close(r.done)
	defer onExit()
	defer close(r.decisions)

	now := time.Now()
	r.mu.Lock()
	ds := r.machine.Start(now)
	next := r.machine.NextDeadline()
	r.mu.Unlock()
	r.emit(ctx, ds)

	timer := time.NewTimer(untilNext(next, now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			reason := EndReasonShutdown
			if c, ok := context.Cause(ctx).(endCause); ok {
				reason = c.reason
			}
			r.mu.Lock()
			ds := r.machine.End(reason, time.Now())
			r.mu.Unlock()
			r.emit(context.Background(), ds)
			return

		case evt := <-r.inbound:
			now := time.Now()
			var ds []Decision
			r.mu.Lock()
			switch e := evt.(type) {
			case FrameEvent:
				at := e.At
				if at.IsZero() {
					at = now
				}
				if ae, ok := r.monitor.IngestFrame(e.Energy, at); ok {
					ds = r.machine.HandleActivity(ae, now)
				}
			case TranscriptEvent:
				ds = r.machine.HandleTranscript(e.Text, now)
			case PlaybackDoneEvent:
				ds = r.machine.HandlePlaybackDone(now)
			case completionDone:
				ds = r.machine.HandleCompletion(e.turnID, e.text, e.err, now)
			default:
				log.Printf("flow: session %s dropped unknown event %T", r.id, evt)
			}
			ended := r.machine.Ended()
			next := r.machine.NextDeadline()
			r.mu.Unlock()

			r.dispatch(ctx, ds)
			if ended {
				return
			}
			resetTimer(timer, untilNext(next, now))

		case <-timer.C:
			now := time.Now()
			r.mu.Lock()
			ds := r.machine.Advance(now)
			ended := r.machine.Ended()
			next := r.machine.NextDeadline()
			r.mu.Unlock()

			r.dispatch(ctx, ds)
			if ended {
				return
			}
			timer.Reset(untilNext(next, now))
		}
	}
}

// dispatch forwards decisions to the consumer and performs their side
// effects: launching the completion call and archiving finalized turns.
func (r *runner) dispatch(ctx context.Context, ds []Decision) {
	for _, d := range ds {
		switch d.Type {
		case DecisionRequestCompletion:
			if n := len(d.Context); n > 0 {
				r.archiveTurn(d.Context[n-1])
			}
			r.startCompletion(ctx, d.TurnID, d.Context)
		case DecisionSpeak:
			r.archiveTurn(Turn{
				ID:        d.TurnID,
				Speaker:   SpeakerAssistant,
				Text:      d.Text,
				StartedAt: d.At,
				EndedAt:   d.At,
			})
		}
	}
	r.emit(ctx, ds)
}

func (r *runner) emit(ctx context.Context, ds []Decision) {
	for _, d := range ds {
		r.metrics.Decisions.WithLabelValues(string(d.Type)).Inc()
		select {
		case r.decisions <- d:
		default:
			// Slow or absent consumer: drop rather than stall the session.
			r.metrics.SessionEvents.WithLabelValues("decision_dropped").Inc()
		}
	}
}

// startCompletion awaits the collaborator off the session goroutine and
// funnels the result back through the inbound queue. Ending the session
// cancels ctx, and a completion that lands after cancellation is discarded.
func (r *runner) startCompletion(ctx context.Context, turnID string, contextTurns []Turn) {
	started := time.Now()
	go func() {
		res, err := r.completer.Complete(ctx, CompletionRequest{
			SessionID: r.id,
			TurnID:    turnID,
			Context:   contextTurns,
		})
		r.metrics.ObserveStage("completion", time.Since(started))
		if err != nil {
			r.metrics.CollaboratorErrors.WithLabelValues("completion").Inc()
		}
		select {
		case r.inbound <- completionDone{turnID: turnID, text: res.Text, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (r *runner) archiveTurn(t Turn) {
	if r.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := r.archive.SaveTurn(ctx, history.TurnRecord{
			ID:        t.ID,
			SessionID: r.id,
			Speaker:   string(t.Speaker),
			Text:      t.Text,
			Tokens:    t.ApproxTokens,
			StartedAt: t.StartedAt,
			EndedAt:   t.EndedAt,
		}); err != nil {
			r.metrics.SessionEvents.WithLabelValues("archive_error").Inc()
		}
	}()
}

func untilNext(next, now time.Time) time.Duration {
	if next.IsZero() {
		return maxTimerCoalesce
	}
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	if d > maxTimerCoalesce {
		return maxTimerCoalesce
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
