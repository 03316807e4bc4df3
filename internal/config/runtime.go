package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RuntimeConfigKey is the Redis key holding JSON runtime overrides
// (e.g. OPENAI_API_KEY, AGENT_PIPELINE_VERSION) set from the admin UI.
const RuntimeConfigKey = "runtime_config:v1"

// Runtime resolves effective configuration values: Redis-stored overrides
// win over environment settings. A nil Redis client degrades to env-only.
type Runtime struct {
	settings Settings
	rdb      *redis.Client
}

func NewRuntime(settings Settings, rdb *redis.Client) *Runtime {
	return &Runtime{settings: settings, rdb: rdb}
}

// Settings returns the immutable environment settings.
func (r *Runtime) Settings() Settings { return r.settings }

// Overrides reads the runtime override map from Redis. Missing keys,
// unreachable Redis and malformed JSON all yield an empty map.
func (r *Runtime) Overrides(ctx context.Context) map[string]any {
	if r.rdb == nil {
		return map[string]any{}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := r.rdb.Get(ctx, RuntimeConfigKey).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("runtime config read failed", "error", err)
		}
		return map[string]any{}
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		slog.Warn("runtime config is not a JSON object", "error", err)
		return map[string]any{}
	}
	return data
}

// APIKeys returns the effective OpenAI API keys in rotation order.
// The raw value is a comma-separated list.
func (r *Runtime) APIKeys(ctx context.Context) []string {
	raw := r.settings.OpenAIAPIKey
	if v, ok := r.Overrides(ctx)["OPENAI_API_KEY"].(string); ok && strings.TrimSpace(v) != "" {
		raw = v
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// PipelineVersion returns the effective default pipeline version.
func (r *Runtime) PipelineVersion(ctx context.Context) string {
	if v, ok := r.Overrides(ctx)["AGENT_PIPELINE_VERSION"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return r.settings.AgentPipelineVersion
}
