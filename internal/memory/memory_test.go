package memory

import (
	"context"
	"testing"
)

func TestMemoryStore_FreshStateOnFirstAccess(t *testing.T) {
	s := NewMemoryStore()
	state := s.GetState(context.Background(), "c1")

	if state.ConversationID != "c1" {
		t.Errorf("ConversationID = %q, want %q", state.ConversationID, "c1")
	}
	if state.MessageIndex != 0 {
		t.Errorf("MessageIndex = %d, want 0", state.MessageIndex)
	}
	if state.Summary != "" {
		t.Errorf("Summary = %q, want empty", state.Summary)
	}
}

func TestMemoryStore_SaveStateIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := s.GetState(ctx, "c1")
	state.MessageIndex = 3
	state.UserProfile.Name = "Иван"
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// Mutating the saved pointer must not leak into the store.
	state.MessageIndex = 99

	loaded := s.GetState(ctx, "c1")
	if loaded.MessageIndex != 3 {
		t.Errorf("MessageIndex = %d, want 3", loaded.MessageIndex)
	}
	if loaded.UserProfile.Name != "Иван" {
		t.Errorf("Name = %q, want Иван", loaded.UserProfile.Name)
	}
}

func TestMemoryStore_HistoryOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		if err := s.AppendHistory(ctx, "c1", NewHistoryItem(RoleUser, content)); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	items := s.GetHistory(ctx, "c1")
	if len(items) != 3 {
		t.Fatalf("history length = %d, want 3", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].Content != want {
			t.Errorf("items[%d].Content = %q, want %q", i, items[i].Content, want)
		}
	}
}

func TestMemoryStore_HistoryCopyDetached(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.AppendHistory(ctx, "c1", NewHistoryItem(RoleUser, "hello"))

	items := s.GetHistory(ctx, "c1")
	items[0].Content = "mutated"

	again := s.GetHistory(ctx, "c1")
	if again[0].Content != "hello" {
		t.Errorf("stored history was mutated through returned slice")
	}
}

func TestMemoryStore_GetSummaryFollowsState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if got := s.GetSummary(ctx, "c1"); got != "" {
		t.Errorf("summary = %q, want empty", got)
	}

	state := s.GetState(ctx, "c1")
	state.Summary = "Вы спрашивали про возвраты, я объяснил условия."
	_ = s.SaveState(ctx, state)

	if got := s.GetSummary(ctx, "c1"); got != state.Summary {
		t.Errorf("summary = %q, want %q", got, state.Summary)
	}
}
