package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds the process configuration, read once from environment
// variables with sensible defaults. Runtime overrides stored in Redis
// (see Runtime) take precedence for a small set of keys.
type Settings struct {
	ListenAddr string

	RedisURL            string
	RetrievalURL        string
	ScenarioStoragePath string

	// OpenAI-compatible provider. OpenAIAPIKey may hold several keys
	// separated by commas; the gateway rotates between them on rate limits.
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Per-role models. Empty values cascade to LLMModel.
	LLMModel       string
	ConditionModel string
	JudgeModel     string
	ReviseModel    string
	SummaryModel   string
	SGRModel       string

	// Pipeline version used when the request carries no explicit header
	// and no runtime override is set.
	AgentPipelineVersion string

	SGRTimeout    time.Duration
	SGRTraceDir   string
	SGRLogPrompts bool
}

// Load reads settings from the environment.
func Load() Settings {
	s := Settings{
		ListenAddr:          getenv("LISTEN_ADDR", ":8000"),
		RedisURL:            getenv("REDIS_URL", "redis://localhost:6379/0"),
		RetrievalURL:        getenv("RETRIEVAL_URL", "http://localhost:8001"),
		ScenarioStoragePath: getenv("SCENARIO_STORAGE_PATH", "data"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		LLMModel:       getenv("LLM_MODEL", "gpt-4.1-mini"),
		ConditionModel: os.Getenv("CONDITION_MODEL"),
		JudgeModel:     os.Getenv("JUDGE_MODEL"),
		ReviseModel:    os.Getenv("REVISE_MODEL"),
		SummaryModel:   os.Getenv("SUMMARY_MODEL"),
		SGRModel:       os.Getenv("SGR_MODEL"),

		AgentPipelineVersion: getenv("AGENT_PIPELINE_VERSION", "0.1"),

		SGRTimeout:    getenvDuration("SGR_TIMEOUT_S", 35*time.Second),
		SGRTraceDir:   getenv("SGR_TRACE_DIR", "/tmp/sgr_traces"),
		SGRLogPrompts: getenvBool("SGR_LOG_PROMPTS", false),
	}

	// Model cascade: every unset role model falls back to the generation model.
	for _, m := range []*string{&s.ConditionModel, &s.JudgeModel, &s.ReviseModel, &s.SummaryModel, &s.SGRModel} {
		if *m == "" {
			*m = s.LLMModel
		}
	}
	return s
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration parses a duration given in seconds (e.g. SGR_TIMEOUT_S=35).
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}
