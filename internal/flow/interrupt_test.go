package flow

import (
	"testing"
	"time"
)

func TestInterrupterGraceDeadline(t *testing.T) {
	i := NewInterrupter(3 * time.Second)
	plan := i.BeginInterruption(t0)
	if plan.Message == "" {
		t.Fatalf("plan has no message")
	}
	if !plan.GraceDeadline.Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("grace deadline = %v, want %v", plan.GraceDeadline, t0.Add(3*time.Second))
	}
}

func TestInterrupterRotatesMessages(t *testing.T) {
	i := NewInterrupter(time.Second)
	first := i.BeginInterruption(t0).Message
	second := i.BeginInterruption(t0).Message
	if first == second {
		t.Fatalf("consecutive interruptions used the same message: %q", first)
	}
	// The rotation wraps around to the first message.
	i2 := NewInterrupter(time.Second)
	for range interruptMessages {
		i2.BeginInterruption(t0)
	}
	if got := i2.BeginInterruption(t0).Message; got != first {
		t.Fatalf("rotation did not wrap: got %q, want %q", got, first)
	}
}

func TestInterrupterDefaultsGrace(t *testing.T) {
	i := NewInterrupter(0)
	plan := i.BeginInterruption(t0)
	if !plan.GraceDeadline.After(t0) {
		t.Fatalf("zero grace not defaulted: deadline %v", plan.GraceDeadline)
	}
}
