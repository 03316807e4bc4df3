package pipeline

import (
	"context"

	"supportagent/internal/retrieval"
)

// ChatRequest is one incoming chat turn.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ChatResponse is the answer for one turn. LastStepScenario joins the
// names of the scenarios that were applied, null when none.
type ChatResponse struct {
	ConversationID   string            `json:"conversation_id"`
	Answer           string            `json:"answer"`
	Chunks           []retrieval.Chunk `json:"chunks"`
	LastStepScenario *string           `json:"last_step_scenario"`
}

// Pipeline is a chat turn handler. The v0.1 linear orchestrator and the
// v1.0 graph pipeline both implement it.
type Pipeline interface {
	HandleChat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Searcher is the retrieval dependency of both pipelines.
type Searcher interface {
	Search(ctx context.Context, query string) []retrieval.Chunk
}
