package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"supportagent/internal/config"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/pipeline"
	"supportagent/internal/retrieval"
	"supportagent/internal/scenario"
	"supportagent/internal/sgr"
	"supportagent/internal/tools"
)

// recordingPipeline answers every turn with its own tag so tests can
// see which version handled the request.
type recordingPipeline struct {
	tag   string
	calls int
	err   error
}

func (p *recordingPipeline) HandleChat(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &pipeline.ChatResponse{
		ConversationID: req.ConversationID,
		Answer:         "ответ от " + p.tag,
		Chunks:         []retrieval.Chunk{},
	}, nil
}

type errCaller struct{ err error }

func (c *errCaller) Chat(ctx context.Context, msgs []llm.Message, opts llm.CallOpts) (string, error) {
	return "", c.err
}

func (c *errCaller) ChatJSON(ctx context.Context, msgs []llm.Message, schemaName string, schema json.RawMessage, opts llm.CallOpts) (map[string]any, error) {
	return nil, c.err
}

func newTestServer(t *testing.T, pipelines map[string]pipeline.Pipeline, caller llm.Caller) (*Server, *memory.MemoryStore, *scenario.Registry) {
	t.Helper()
	settings := config.Settings{AgentPipelineVersion: "0.1"}
	runtime := config.NewRuntime(settings, nil)
	store := memory.NewMemoryStore()
	scenarios := scenario.NewRegistry()
	toolReg := tools.DefaultRegistry()
	if caller == nil {
		caller = &errCaller{err: errors.New("no llm in test")}
	}
	conv := sgr.New(caller, sgr.Config{Model: "test-model"})
	srv := New(settings, runtime, store, scenarios, toolReg, pipelines, conv)
	srv.BuildMux()
	return srv, store, scenarios
}

func doJSON(t *testing.T, srv *Server, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			decoded = nil
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)
	rec, body := doJSON(t, srv, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}

func TestConfigListsVersions(t *testing.T) {
	srv, _, _ := newTestServer(t, map[string]pipeline.Pipeline{
		"0.1": &recordingPipeline{tag: "v01"},
		"1.0": &recordingPipeline{tag: "v10"},
	}, nil)
	rec, body := doJSON(t, srv, "GET", "/config", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["default_pipeline_version"] != "0.1" {
		t.Errorf("default = %v", body["default_pipeline_version"])
	}
	versions, _ := body["supported_pipeline_versions"].([]any)
	if len(versions) != 2 || versions[0] != "0.1" || versions[1] != "1.0" {
		t.Errorf("supported = %v", versions)
	}
}

func TestChatVersionResolution(t *testing.T) {
	v01 := &recordingPipeline{tag: "v01"}
	v10 := &recordingPipeline{tag: "v10"}
	srv, _, _ := newTestServer(t, map[string]pipeline.Pipeline{"0.1": v01, "1.0": v10}, nil)

	payload := `{"conversation_id":"c1","message":"привет"}`

	rec, body := doJSON(t, srv, "POST", "/chat", payload, map[string]string{pipelineVersionHeader: "1.0"})
	if rec.Code != http.StatusOK || body["answer"] != "ответ от v10" {
		t.Errorf("header 1.0: %d %v", rec.Code, body)
	}

	// Unrecognized header falls back to the default version.
	rec, body = doJSON(t, srv, "POST", "/chat", payload, map[string]string{pipelineVersionHeader: "2.0"})
	if rec.Code != http.StatusOK || body["answer"] != "ответ от v01" {
		t.Errorf("unknown header: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, srv, "POST", "/chat", payload, nil)
	if rec.Code != http.StatusOK || body["answer"] != "ответ от v01" {
		t.Errorf("no header: %d %v", rec.Code, body)
	}

	if v10.calls != 1 || v01.calls != 2 {
		t.Errorf("calls v10=%d v01=%d", v10.calls, v01.calls)
	}
}

func TestChatRequiresFields(t *testing.T) {
	srv, _, _ := newTestServer(t, map[string]pipeline.Pipeline{"0.1": &recordingPipeline{tag: "v01"}}, nil)
	for _, body := range []string{
		`{"conversation_id":"","message":"привет"}`,
		`{"conversation_id":"c1","message":""}`,
		`not json`,
	} {
		rec, _ := doJSON(t, srv, "POST", "/chat", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestChatUpstreamErrorStatus(t *testing.T) {
	failing := &recordingPipeline{tag: "v01", err: &llm.UpstreamError{Kind: llm.KindRateLimit}}
	srv, _, _ := newTestServer(t, map[string]pipeline.Pipeline{"0.1": failing}, nil)
	rec, _ := doJSON(t, srv, "POST", "/chat", `{"conversation_id":"c1","message":"привет"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestHistoryAndSummary(t *testing.T) {
	srv, store, _ := newTestServer(t, nil, nil)
	ctx := context.Background()
	store.AppendHistory(ctx, "c1", memory.NewHistoryItem(memory.RoleUser, "привет"))
	state := store.GetState(ctx, "c1")
	state.Summary = "Вы поздоровались."
	store.SaveState(ctx, state)

	rec, body := doJSON(t, srv, "GET", "/history?conversation_id=c1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	items, _ := body["history"].([]any)
	if len(items) != 1 {
		t.Errorf("history = %v", body["history"])
	}

	rec, body = doJSON(t, srv, "GET", "/summary?conversation_id=c1", "", nil)
	if rec.Code != http.StatusOK || body["summary"] != "Вы поздоровались." {
		t.Errorf("summary = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, srv, "GET", "/history", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d", rec.Code)
	}
}

func TestScenarioCRUD(t *testing.T) {
	srv, _, scenarios := newTestServer(t, nil, nil)

	def := `{"name":"приветствие","code":[{"id":"1","type":"text","text":"Скажи привет"},{"id":"2","type":"end"}]}`
	rec, body := doJSON(t, srv, "POST", "/scenarios", def, nil)
	if rec.Code != http.StatusOK || body["name"] != "приветствие" {
		t.Fatalf("add = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, srv, "POST", "/scenarios", `{"name":"","code":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid add status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest("GET", "/scenarios", nil))
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list = %s (%v)", rec.Body.String(), err)
	}

	rec, _ = doJSON(t, srv, "PATCH", "/scenarios/приветствие", `{"enabled":false}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("patch status = %d", rec.Code)
	}
	if def, ok := scenarios.Get("приветствие"); !ok || def.Enabled {
		t.Error("patch did not disable the scenario")
	}

	rec, _ = doJSON(t, srv, "PATCH", "/scenarios/нет-такого", `{"enabled":true}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("patch unknown status = %d", rec.Code)
	}

	rec, body = doJSON(t, srv, "DELETE", "/scenarios/приветствие", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "deleted" {
		t.Errorf("delete = %d %v", rec.Code, body)
	}
	rec, _ = doJSON(t, srv, "DELETE", "/scenarios/приветствие", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again status = %d", rec.Code)
	}
}

func TestSGRConvertErrorMapping(t *testing.T) {
	// Rate-limited upstream surfaces as 429, not 422.
	srv, _, _ := newTestServer(t, nil, &errCaller{err: &llm.UpstreamError{Kind: llm.KindRateLimit}})
	rec, _ := doJSON(t, srv, "POST", "/sgr/convert", `{"text":"скажи привет"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("rate limit status = %d, want 429", rec.Code)
	}

	srv, _, _ = newTestServer(t, nil, &errCaller{err: &llm.UpstreamError{Kind: llm.KindAuth}})
	rec, _ = doJSON(t, srv, "POST", "/sgr/convert", `{"text":"скажи привет"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("auth status = %d, want 401", rec.Code)
	}

	srv, _, _ = newTestServer(t, nil, nil)
	rec, _ = doJSON(t, srv, "POST", "/sgr/convert", `{"text":""}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", rec.Code)
	}
}

// stepCaller replays one canned JSON object per ChatJSON call.
type stepCaller struct {
	objs []map[string]any
	call int
}

func (c *stepCaller) Chat(ctx context.Context, msgs []llm.Message, opts llm.CallOpts) (string, error) {
	return "", errors.New("unexpected Chat call")
}

func (c *stepCaller) ChatJSON(ctx context.Context, msgs []llm.Message, schemaName string, schema json.RawMessage, opts llm.CallOpts) (map[string]any, error) {
	i := c.call
	c.call++
	if i < len(c.objs) {
		return c.objs[i], nil
	}
	return map[string]any{}, nil
}

func TestSGRConvertSuccess(t *testing.T) {
	caller := &stepCaller{objs: []map[string]any{
		{
			"normalized_text": "Скажи привет.",
			"intents":         []any{map[string]any{"id": "i1", "text": "Скажи привет"}},
			"questions":       []any{},
		},
		{
			"intents":               []any{map[string]any{"id": "i1", "text": "Скажи привет"}},
			"unconditional_intents": []any{"i1"},
			"conditions":            []any{},
			"questions":             []any{},
		},
		{
			"tools_to_call": []any{},
			"missing_tools": []any{},
			"templates":     []any{},
			"questions":     []any{},
		},
	}}
	srv, _, _ := newTestServer(t, nil, caller)

	rec, body := doJSON(t, srv, "POST", "/sgr/convert", `{"text":"скажи привет","strict":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	sc, _ := body["scenario"].(map[string]any)
	if sc == nil || sc["name"] != "скажи привет" {
		t.Errorf("scenario = %v", body["scenario"])
	}
	diag, _ := body["diagnostics"].(map[string]any)
	if diag == nil || diag["trace_id"] == "" {
		t.Errorf("diagnostics = %v", body["diagnostics"])
	}
}

func TestSGRConvertValidationFailure422(t *testing.T) {
	// "если" in the input but the model yields no condition.
	caller := &stepCaller{objs: []map[string]any{
		{
			"normalized_text": "Скажи привет.",
			"intents":         []any{map[string]any{"id": "i1", "text": "Скажи привет"}},
			"questions":       []any{},
		},
		{
			"intents":               []any{map[string]any{"id": "i1", "text": "Скажи привет"}},
			"unconditional_intents": []any{"i1"},
			"conditions":            []any{},
			"questions":             []any{},
		},
		{
			"tools_to_call": []any{},
			"missing_tools": []any{},
			"templates":     []any{},
			"questions":     []any{},
		},
	}}
	srv, _, _ := newTestServer(t, nil, caller)

	rec, body := doJSON(t, srv, "POST", "/sgr/convert", `{"text":"если пользователь поздоровался — скажи привет"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if body["failed_step"] != "10_static_validation" {
		t.Errorf("failed_step = %v", body["failed_step"])
	}
	if body["trace_id"] == "" {
		t.Error("trace_id missing in 422 body")
	}
}
