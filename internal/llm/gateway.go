package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"supportagent/internal/config"
)

// CallOpts carries per-call knobs. Model falls back to the configured
// default when empty.
type CallOpts struct {
	Model       string
	Temperature float32
}

// Caller is the surface the pipelines and the converter depend on.
// Tests inject deterministic stubs through it.
type Caller interface {
	Chat(ctx context.Context, msgs []Message, opts CallOpts) (string, error)
	// ChatJSON requests a structured completion. schema may be nil, in
	// which case only json_object mode and brace extraction apply.
	ChatJSON(ctx context.Context, msgs []Message, schemaName string, schema json.RawMessage, opts CallOpts) (map[string]any, error)
}

// Gateway talks to an OpenAI-compatible endpoint with a rotating pool of
// API keys. A 429 advances the shared rotation counter and retries with
// the next key, at most once per key in the pool.
type Gateway struct {
	runtime  *config.Runtime
	rotation RotationCounter
}

func NewGateway(runtime *config.Runtime, rotation RotationCounter) *Gateway {
	return &Gateway{runtime: runtime, rotation: rotation}
}

func (g *Gateway) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if base := g.runtime.Settings().OpenAIBaseURL; base != "" {
		cfg.BaseURL = base
	}
	return openai.NewClientWithConfig(cfg)
}

func (g *Gateway) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	keys := g.runtime.APIKeys(ctx)
	if len(keys) == 0 {
		return "", &UpstreamError{Kind: KindAuth, Err: errors.New("no API keys configured")}
	}

	var lastErr error
	for attempt := 0; attempt < len(keys); attempt++ {
		idx := int(g.rotation.Current(ctx) % int64(len(keys)))
		if idx < 0 {
			idx += len(keys)
		}
		resp, err := g.client(keys[idx]).CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", &UpstreamError{Kind: KindStatus, Err: errors.New("empty choices")}
			}
			return resp.Choices[0].Message.Content, nil
		}
		ue := Classify(err)
		if ue.Kind != KindRateLimit {
			return "", ue
		}
		slog.Warn("api key rate limited, rotating", "key_index", idx, "attempt", attempt+1)
		g.rotation.Advance(ctx)
		lastErr = ue
	}
	return "", lastErr
}

func (g *Gateway) request(msgs []Message, opts CallOpts) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = g.runtime.Settings().LLMModel
	}
	oms := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		oms[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	temp := opts.Temperature
	if temp == 0 {
		// omitempty drops a literal zero, which the API reads as the
		// default 1.0; the smallest float keeps determinism on the wire.
		temp = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{Model: model, Messages: oms, Temperature: temp}
}

func (g *Gateway) Chat(ctx context.Context, msgs []Message, opts CallOpts) (string, error) {
	return g.complete(ctx, g.request(msgs, opts))
}

// ChatJSON walks a degradation ladder: strict json_schema mode, then
// json_object mode, then brace extraction from a plain completion. It
// only errors on upstream failure; an unparseable answer becomes {}.
func (g *Gateway) ChatJSON(ctx context.Context, msgs []Message, schemaName string, schema json.RawMessage, opts CallOpts) (map[string]any, error) {
	if schema != nil {
		req := g.request(msgs, opts)
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		}
		text, err := g.complete(ctx, req)
		if err == nil {
			if out, ok := parseObject(text); ok {
				return out, nil
			}
		} else if ue := Classify(err); ue.Kind == KindAuth || ue.Kind == KindRateLimit {
			return nil, ue
		} else {
			slog.Debug("json_schema mode failed, degrading", "error", err)
		}
	}

	req := g.request(msgs, opts)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	text, err := g.complete(ctx, req)
	if err != nil {
		if ue := Classify(err); ue.Kind == KindAuth || ue.Kind == KindRateLimit {
			return nil, ue
		}
		text, err = g.Chat(ctx, msgs, opts)
		if err != nil {
			return nil, err
		}
	}
	if out, ok := parseObject(text); ok {
		return out, nil
	}
	if out, ok := extractObject(text); ok {
		return out, nil
	}
	return map[string]any{}, nil
}

func parseObject(text string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, false
	}
	return out, true
}

// extractObject pulls the first balanced {...} span out of free text,
// for models that wrap the object in prose or code fences.
func extractObject(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return parseObject(text[start : i+1])
			}
		}
	}
	return nil, false
}

// DecodeInto unmarshals a ChatJSON result into a typed struct.
func DecodeInto(obj map[string]any, dst any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("re-marshal: %w", err)
	}
	return json.Unmarshal(raw, dst)
}
