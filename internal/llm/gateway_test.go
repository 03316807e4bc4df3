package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"supportagent/internal/config"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	})
	return string(b)
}

func newTestGateway(t *testing.T, keys string, handler http.HandlerFunc) (*Gateway, *LocalRotation, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	runtime := config.NewRuntime(config.Settings{
		OpenAIAPIKey:  keys,
		OpenAIBaseURL: srv.URL + "/v1",
		LLMModel:      "test-model",
	}, nil)
	rot := &LocalRotation{}
	return NewGateway(runtime, rot), rot, srv
}

func TestChatRotatesOnRateLimit(t *testing.T) {
	var seen []string
	gw, rot, _ := newTestGateway(t, "keyA,keyB,keyC", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		seen = append(seen, key)
		if key != "keyC" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("hello")))
	})

	out, err := gw.Chat(context.Background(), []Message{User("hi")}, CallOpts{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
	if got := strings.Join(seen, ","); got != "keyA,keyB,keyC" {
		t.Errorf("keys seen = %s", got)
	}
	if n := rot.Current(context.Background()); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func TestChatAllKeysRateLimited(t *testing.T) {
	var calls int
	gw, _, _ := newTestGateway(t, "keyA,keyB", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	})

	_, err := gw.Chat(context.Background(), []Message{User("hi")}, CallOpts{})
	if err == nil {
		t.Fatal("want error")
	}
	if KindOf(err) != KindRateLimit {
		t.Errorf("kind = %s", KindOf(err))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestChatAuthErrorDoesNotRotate(t *testing.T) {
	var calls int
	gw, rot, _ := newTestGateway(t, "keyA,keyB", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})

	_, err := gw.Chat(context.Background(), []Message{User("hi")}, CallOpts{})
	if KindOf(err) != KindAuth {
		t.Errorf("kind = %s", KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := rot.Current(context.Background()); n != 0 {
		t.Errorf("counter = %d, want 0", n)
	}
}

func TestChatJSONStrictSchema(t *testing.T) {
	gw, _, _ := newTestGateway(t, "keyA", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		rf, _ := req["response_format"].(map[string]any)
		if rf == nil || rf["type"] != "json_schema" {
			t.Errorf("response_format = %v", rf)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody(`{"decision":"true","followup_question":""}`)))
	})

	schema := json.RawMessage(`{"type":"object","properties":{"decision":{"type":"string"}}}`)
	out, err := gw.ChatJSON(context.Background(), []Message{User("q")}, "decision", schema, CallOpts{})
	if err != nil {
		t.Fatalf("ChatJSON: %v", err)
	}
	if out["decision"] != "true" {
		t.Errorf("decision = %v", out["decision"])
	}
}

func TestChatJSONDegradesToExtraction(t *testing.T) {
	var calls int
	gw, _, _ := newTestGateway(t, "keyA", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if rf, ok := req["response_format"].(map[string]any); ok && rf["type"] == "json_schema" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"json_schema unsupported","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("Вот ответ: {\"summary\": \"ok\"} — готово.")))
	})

	schema := json.RawMessage(`{"type":"object"}`)
	out, err := gw.ChatJSON(context.Background(), []Message{User("q")}, "summary", schema, CallOpts{})
	if err != nil {
		t.Fatalf("ChatJSON: %v", err)
	}
	if out["summary"] != "ok" {
		t.Errorf("summary = %v", out["summary"])
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestChatJSONUnparseableBecomesEmpty(t *testing.T) {
	gw, _, _ := newTestGateway(t, "keyA", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("no json here at all")))
	})

	out, err := gw.ChatJSON(context.Background(), []Message{User("q")}, "", nil, CallOpts{})
	if err != nil {
		t.Fatalf("ChatJSON: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("out = %v, want empty", out)
	}
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, "1", true},
		{"fenced", "```json\n{\"a\": 1}\n```", "1", true},
		{"nested braces in string", `text {"a":1,"b":"x}y"} tail`, "1", true},
		{"no object", "nothing", "", false},
		{"unbalanced", `{"a":1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := extractObject(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok {
				if got, _ := json.Marshal(out["a"]); string(got) != tt.want {
					t.Errorf("a = %s, want %s", got, tt.want)
				}
			}
		})
	}
}
