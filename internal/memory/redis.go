package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps conversation state under conv:{id}:state and history
// as a list under conv:{id}:history. RPUSH gives atomic ordered appends
// for concurrent writers on the same conversation.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying connection for components that share it
// (runtime config, key rotation counter).
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func stateKey(id string) string   { return "conv:" + id + ":state" }
func historyKey(id string) string { return "conv:" + id + ":history" }

func (s *RedisStore) GetState(ctx context.Context, conversationID string) *ConversationState {
	raw, err := s.rdb.Get(ctx, stateKey(conversationID)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("state read failed, starting fresh", "conversation_id", conversationID, "error", err)
		}
		return NewConversationState(conversationID)
	}
	var state ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		slog.Warn("state is corrupted, starting fresh", "conversation_id", conversationID, "error", err)
		return NewConversationState(conversationID)
	}
	return &state
}

func (s *RedisStore) SaveState(ctx context.Context, state *ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(state.ConversationID), data, 0).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, conversationID string, item HistoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal history item: %w", err)
	}
	if err := s.rdb.RPush(ctx, historyKey(conversationID), data).Err(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) GetHistory(ctx context.Context, conversationID string) []HistoryItem {
	raws, err := s.rdb.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("history read failed", "conversation_id", conversationID, "error", err)
		}
		return nil
	}
	items := make([]HistoryItem, 0, len(raws))
	for _, raw := range raws {
		var item HistoryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// One bad entry must not hide the rest of the dialog.
			slog.Warn("skipping corrupted history item", "conversation_id", conversationID, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *RedisStore) GetSummary(ctx context.Context, conversationID string) string {
	return s.GetState(ctx, conversationID).Summary
}
