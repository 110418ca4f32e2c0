package history

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		err := s.SaveTurn(ctx, TurnRecord{
			SessionID: "s1",
			Speaker:   "user",
			Text:      text,
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("RecentTurns() = %+v", got)
	}
	for _, r := range got {
		if r.ID == "" || r.CreatedAt.IsZero() {
			t.Fatalf("record missing defaults: %+v", r)
		}
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.RecentTurns(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if got != nil {
		t.Fatalf("RecentTurns(missing) = %+v, want nil", got)
	}
}

func TestInMemoryStoreZeroLimitReturnsAll(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = s.SaveTurn(ctx, TurnRecord{SessionID: "s1", Speaker: "assistant", Text: "t"})
	}
	got, err := s.RecentTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
}
