package memory

import "context"

// Store is the conversation memory contract. Two implementations exist:
// RedisStore (durable) and MemoryStore (in-process fallback). The backend
// is selected once at startup and never switches at runtime.
//
// GetState never fails: a missing or corrupted record yields a fresh state
// so a single bad entry cannot take a conversation down.
type Store interface {
	GetState(ctx context.Context, conversationID string) *ConversationState
	SaveState(ctx context.Context, state *ConversationState) error
	AppendHistory(ctx context.Context, conversationID string, item HistoryItem) error
	GetHistory(ctx context.Context, conversationID string) []HistoryItem
	GetSummary(ctx context.Context, conversationID string) string
}
