package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Chunk is an opaque knowledge-base fragment returned by the retrieval
// service. The orchestrator forwards it to the client untouched.
type Chunk struct {
	ID       any            `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Score    *float64       `json:"score,omitempty"`
}

// Client is a thin HTTP client for the ingest-and-retrieval service.
// The service warms up heavy models at start, so Search retries with
// exponential backoff instead of failing the first turns of the day.
type Client struct {
	baseURL    string
	httpc      *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      &http.Client{Timeout: 30 * time.Second},
		maxRetries: 8,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   8 * time.Second,
	}
}

// Search performs a semantic search. On exhausted retries it returns an
// empty slice: the pipeline must tolerate a turn without KB context.
func (c *Client) Search(ctx context.Context, query string) []Chunk {
	payload, _ := json.Marshal(map[string]any{"query": query, "with_debug": false})

	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		chunks, err := c.doSearch(ctx, payload)
		if err == nil {
			return chunks
		}
		if ctx.Err() != nil {
			slog.Warn("retrieval canceled", "error", ctx.Err())
			return nil
		}
		slog.Warn("retrieval attempt failed", "attempt", attempt, "error", err)
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if delay *= 2; delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	slog.Error("retrieval unavailable, continuing with empty context")
	return nil
}

func (c *Client) doSearch(ctx context.Context, payload []byte) ([]Chunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Chunks []Chunk `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if out.Chunks == nil {
		return []Chunk{}, nil
	}
	return out.Chunks, nil
}
