package memory

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is the in-process fallback used when Redis is unreachable
// at startup. Suitable for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string][]byte
	history map[string][]HistoryItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string][]byte),
		history: make(map[string][]HistoryItem),
	}
}

func (s *MemoryStore) GetState(_ context.Context, conversationID string) *ConversationState {
	s.mu.RLock()
	raw, ok := s.states[conversationID]
	s.mu.RUnlock()
	if !ok {
		return NewConversationState(conversationID)
	}
	var state ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return NewConversationState(conversationID)
	}
	return &state
}

func (s *MemoryStore) SaveState(_ context.Context, state *ConversationState) error {
	// Serialized copy so callers cannot mutate stored state through shared pointers.
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[state.ConversationID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, conversationID string, item HistoryItem) error {
	s.mu.Lock()
	s.history[conversationID] = append(s.history[conversationID], item)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, conversationID string) []HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]HistoryItem, len(s.history[conversationID]))
	copy(items, s.history[conversationID])
	return items
}

func (s *MemoryStore) GetSummary(ctx context.Context, conversationID string) string {
	return s.GetState(ctx, conversationID).Summary
}
