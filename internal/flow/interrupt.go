package flow

import "time"

// InterruptionPlan is what the state machine delivers when a user exceeds the
// speaking budget: a polite request to pause plus the deadline by which the
// user must yield. Enforcement of the deadline stays in the state machine.
type InterruptionPlan struct {
	Message       string
	GraceDeadline time.Time
}

var interruptMessages = []string{
	"Sorry to jump in, but I'd love to respond to what you've shared so far.",
	"Can I pause you there for a moment? I want to make sure I follow.",
	"Let me stop you briefly so I can answer before we go further.",
}

// Interrupter generates interruption content and grace deadlines. It is a
// pure policy object so wording can change without touching transition logic.
type Interrupter struct {
	grace time.Duration
	next  int
}

func NewInterrupter(grace time.Duration) *Interrupter {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Interrupter{grace: grace}
}

// BeginInterruption produces the next plan. Messages rotate so repeated
// interruptions in one call do not sound canned.
func (i *Interrupter) BeginInterruption(now time.Time) InterruptionPlan {
	msg := interruptMessages[i.next%len(interruptMessages)]
	i.next++
	return InterruptionPlan{
		Message:       msg,
		GraceDeadline: now.Add(i.grace),
	}
}
