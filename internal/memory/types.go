package memory

import "time"

// Role of a history item author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryItem is a single message in the conversation history.
// Items are appended in arrival order and never mutated.
type HistoryItem struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHistoryItem(role Role, content string) HistoryItem {
	return HistoryItem{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// UserProfile holds what the agent knows about the end user.
type UserProfile struct {
	Name  string         `json:"name,omitempty"`
	Age   *int           `json:"age,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// ScenarioRun is an append-only audit record of one scenario execution.
type ScenarioRun struct {
	Name           string    `json:"name"`
	AtMessageIndex int       `json:"at_message_index"`
	TS             time.Time `json:"ts"`
}

// ConversationState is the per-conversation durable state.
// MessageIndex counts user turns and is incremented exactly once per turn.
type ConversationState struct {
	ConversationID string        `json:"conversation_id"`
	MessageIndex   int           `json:"message_index"`
	UserProfile    UserProfile   `json:"user_profile"`
	Summary        string        `json:"summary"`
	ScenarioRuns   []ScenarioRun `json:"scenario_runs"`
}

func NewConversationState(conversationID string) *ConversationState {
	return &ConversationState{ConversationID: conversationID}
}
