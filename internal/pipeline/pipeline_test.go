package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/retrieval"
	"supportagent/internal/scenario"
	"supportagent/internal/tools"
)

// scriptedCaller plays canned answers: Chat responses in order, ChatJSON
// responses per schema name in order. Safe for the detached summarizer
// goroutine the pipeline launches.
type scriptedCaller struct {
	mu        sync.Mutex
	chat      []string
	chatCalls int
	jsonByKey map[string][]map[string]any
	jsonCalls map[string]int
}

func newScripted() *scriptedCaller {
	return &scriptedCaller{jsonByKey: map[string][]map[string]any{}, jsonCalls: map[string]int{}}
}

func (s *scriptedCaller) Chat(ctx context.Context, msgs []llm.Message, opts llm.CallOpts) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatCalls < len(s.chat) {
		out := s.chat[s.chatCalls]
		s.chatCalls++
		return out, nil
	}
	s.chatCalls++
	return "ответ по умолчанию", nil
}

func (s *scriptedCaller) ChatJSON(ctx context.Context, msgs []llm.Message, schemaName string, schema json.RawMessage, opts llm.CallOpts) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.jsonByKey[schemaName]
	i := s.jsonCalls[schemaName]
	s.jsonCalls[schemaName]++
	if i < len(queue) {
		return queue[i], nil
	}
	if len(queue) > 0 {
		return queue[len(queue)-1], nil
	}
	return map[string]any{}, nil
}

func (s *scriptedCaller) calls(schemaName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jsonCalls[schemaName]
}

func (s *scriptedCaller) chatCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

type stubRetriever struct {
	chunks []retrieval.Chunk
}

func (s *stubRetriever) Search(ctx context.Context, query string) []retrieval.Chunk {
	return s.chunks
}

func newV10(t *testing.T, store memory.Store, caller llm.Caller, reg *scenario.Registry, chunks []retrieval.Chunk) *V10 {
	t.Helper()
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.UserDataSpec, func() map[string]any {
		return map[string]any{"name": "Иван", "age": 30}
	})
	eng := engine.New(reg, toolReg, caller, "")
	summarizer := NewSummarizer(store, caller, "")
	return NewV10(store, &stubRetriever{chunks: chunks}, eng, caller, summarizer, V10Config{})
}

func passJudge() map[string]any {
	return map[string]any{"action": "pass", "reasons": []any{"ok"}, "patch_instructions": ""}
}

func TestFirstTurnGreeting(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.chat = []string{"Здравствуйте! Чем могу помочь?"}
	caller.jsonByKey["judge_decision"] = []map[string]any{passJudge()}

	p := newV10(t, store, caller, scenario.NewRegistry(), nil)
	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "Здравствуйте"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.Answer != "Здравствуйте! Чем могу помочь?" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.LastStepScenario != nil {
		t.Errorf("last_step_scenario = %v, want nil", *resp.LastStepScenario)
	}
	if len(resp.Chunks) != 0 {
		t.Errorf("chunks = %v", resp.Chunks)
	}

	state := store.GetState(context.Background(), "c1")
	if state.MessageIndex != 1 {
		t.Errorf("message_index = %d, want 1", state.MessageIndex)
	}
	history := store.GetHistory(context.Background(), "c1")
	if len(history) != 2 {
		t.Fatalf("history = %d items, want 2", len(history))
	}
	if history[0].Role != memory.RoleUser || history[1].Role != memory.RoleAssistant {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
}

func TestMonotonicIndexAndAlternatingHistory(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.jsonByKey["judge_decision"] = []map[string]any{passJudge()}

	p := newV10(t, store, caller, scenario.NewRegistry(), nil)
	const turns = 3
	for i := 0; i < turns; i++ {
		if _, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "вопрос"}); err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
	}

	state := store.GetState(context.Background(), "c1")
	if state.MessageIndex != turns {
		t.Errorf("message_index = %d, want %d", state.MessageIndex, turns)
	}
	history := store.GetHistory(context.Background(), "c1")
	if len(history) != 2*turns {
		t.Fatalf("history = %d items, want %d", len(history), 2*turns)
	}
	for i, item := range history {
		want := memory.RoleUser
		if i%2 == 1 {
			want = memory.RoleAssistant
		}
		if item.Role != want {
			t.Errorf("history[%d].role = %s, want %s", i, item.Role, want)
		}
	}
}

func TestBirthdayConditionTrue(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.chat = []string{"Иван, поздравляю вас с днём рождения! Чем могу помочь?"}
	caller.jsonByKey["condition_decision"] = []map[string]any{{"decision": "true", "followup_question": ""}}
	caller.jsonByKey["scenario_imperatives"] = []map[string]any{{
		"agent_imperatives": []any{"Поздравь пользователя по имени Иван"},
		"judge_rules":       []any{},
	}}
	caller.jsonByKey["judge_decision"] = []map[string]any{passJudge()}

	reg := scenario.NewRegistry()
	reg.Add(&scenario.Definition{
		Name:    "birthday",
		Enabled: true,
		Code: []scenario.Node{
			{ID: "1", Type: scenario.NodeTool, Tool: "get_user_data"},
			{ID: "2", Type: scenario.NodeIf, Condition: "Пользователь написал что сегодня его день рождения",
				Children: []scenario.Node{{ID: "2.1", Type: scenario.NodeText, Text: "Поздравь {=dialog.name=}!"}}},
			{ID: "3", Type: scenario.NodeEnd},
		},
	})

	p := newV10(t, store, caller, reg, nil)
	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "Сегодня у меня день рождения"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if !strings.Contains(resp.Answer, "Иван") {
		t.Errorf("answer = %q, want mention of Иван", resp.Answer)
	}
	if resp.LastStepScenario == nil || *resp.LastStepScenario != "birthday" {
		t.Errorf("last_step_scenario = %v", resp.LastStepScenario)
	}
}

func TestJudgeRevisionLoop(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.chat = []string{
		"Сообщим вам 🎉 в следующем обновлении.",
		"Сейчас такой информации нет; уточним и вернёмся.",
	}
	caller.jsonByKey["judge_decision"] = []map[string]any{
		{"action": "revise", "reasons": []any{"стиль"}, "patch_instructions": "убрать эмодзи и обещание"},
		passJudge(),
	}

	p := newV10(t, store, caller, scenario.NewRegistry(), nil)
	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "когда появится функция?"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.Answer != "Сейчас такой информации нет; уточним и вернёмся." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if emoji := regexp.MustCompile(`[\x{1F300}-\x{1FAFF}]`); emoji.MatchString(resp.Answer) {
		t.Errorf("answer still has emoji: %q", resp.Answer)
	}
	if n := caller.calls("judge_decision"); n != 2 {
		t.Errorf("judge calls = %d, want 2", n)
	}
}

func TestJudgeLoopBounded(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	// The judge always demands a revision; the loop must still terminate.
	caller.jsonByKey["judge_decision"] = []map[string]any{
		{"action": "revise", "reasons": []any{"r"}, "patch_instructions": "ещё раз"},
	}
	caller.chat = []string{"draft", "rev1", "rev2", "rev3"}

	p := newV10(t, store, caller, scenario.NewRegistry(), nil)
	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "вопрос"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	// generate + 2 revisions, never a third
	if n := caller.chatCallCount(); n != 3 {
		t.Errorf("chat calls = %d, want 3", n)
	}
	if resp.Answer != "rev2" {
		t.Errorf("answer = %q, want rev2", resp.Answer)
	}
	if len(store.GetHistory(context.Background(), "c1")) != 2 {
		t.Error("turn did not persist")
	}
}

func TestRetrievalFailureYieldsEmptyChunks(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.chat = []string{"Отвечаю без базы знаний."}
	caller.jsonByKey["judge_decision"] = []map[string]any{passJudge()}

	p := newV10(t, store, caller, scenario.NewRegistry(), nil)
	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "вопрос"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.Chunks == nil || len(resp.Chunks) != 0 {
		t.Errorf("chunks = %v, want []", resp.Chunks)
	}
	if resp.Answer == "" {
		t.Error("answer should still be produced")
	}
}

type failingCaller struct{}

func (f *failingCaller) Chat(ctx context.Context, msgs []llm.Message, opts llm.CallOpts) (string, error) {
	return "", &llm.UpstreamError{Kind: llm.KindRateLimit}
}

func (f *failingCaller) ChatJSON(ctx context.Context, msgs []llm.Message, schemaName string, schema json.RawMessage, opts llm.CallOpts) (map[string]any, error) {
	return nil, &llm.UpstreamError{Kind: llm.KindRateLimit}
}

func TestGenerationFailureApology(t *testing.T) {
	store := memory.NewMemoryStore()
	p := newV10(t, store, &failingCaller{}, scenario.NewRegistry(), nil)

	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "вопрос"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if !strings.Contains(resp.Answer, "превышение лимитов") {
		t.Errorf("answer = %q, want rate-limit apology", resp.Answer)
	}
	if len(store.GetHistory(context.Background(), "c1")) != 2 {
		t.Error("apology should still be persisted")
	}
}

func TestSummarizerUpdatesState(t *testing.T) {
	store := memory.NewMemoryStore()
	for _, item := range []memory.HistoryItem{
		memory.NewHistoryItem(memory.RoleUser, "как вернуть заказ?"),
		memory.NewHistoryItem(memory.RoleAssistant, "Возврат оформляется в личном кабинете."),
	} {
		if err := store.AppendHistory(context.Background(), "c1", item); err != nil {
			t.Fatal(err)
		}
	}
	caller := newScripted()
	caller.jsonByKey["dialog_summary"] = []map[string]any{{
		"summary": "Вы спрашивали про возврат заказа, я объяснил порядок оформления.",
	}}

	NewSummarizer(store, caller, "").Update(context.Background(), "c1")

	state := store.GetState(context.Background(), "c1")
	if !strings.HasPrefix(state.Summary, "Вы спрашивали") {
		t.Errorf("summary = %q", state.Summary)
	}
}

func TestSummarizerSkipsEmptyHistory(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	NewSummarizer(store, caller, "").Update(context.Background(), "empty")
	if caller.calls("dialog_summary") != 0 {
		t.Error("summarizer called the model for empty history")
	}
}

func TestV01FirstTurnFillsProfileAndAppliesScenario(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	caller.chat = []string{"Здравствуйте, Иван!"}

	reg := scenario.NewRegistry()
	reg.Add(&scenario.Definition{
		Name:    "приветствие",
		Enabled: true,
		Code: []scenario.Node{
			{ID: "1", Type: scenario.NodeText, Text: "Обратись к пользователю по имени {=dialog.name=}"},
		},
	})
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.UserDataSpec, func() map[string]any {
		return map[string]any{"name": "Иван", "age": 30}
	})
	summarizer := NewSummarizer(store, caller, "")
	p := NewV01(store, &stubRetriever{}, reg, toolReg, caller, summarizer, "")

	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "привет"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.LastStepScenario == nil || *resp.LastStepScenario != "приветствие" {
		t.Errorf("last_step_scenario = %v", resp.LastStepScenario)
	}

	state := store.GetState(context.Background(), "c1")
	if state.UserProfile.Name != "Иван" || state.UserProfile.Age == nil {
		t.Errorf("profile = %+v", state.UserProfile)
	}
	if len(state.ScenarioRuns) != 1 || state.ScenarioRuns[0].Name != "приветствие" {
		t.Errorf("scenario_runs = %+v", state.ScenarioRuns)
	}

	// Second turn: scenarios only run on the first message.
	resp, err = p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "ещё вопрос"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.LastStepScenario != nil {
		t.Errorf("second turn last_step_scenario = %v", *resp.LastStepScenario)
	}
}

func TestV01BirthdayScenarioRequiresTrigger(t *testing.T) {
	store := memory.NewMemoryStore()
	caller := newScripted()
	reg := scenario.NewRegistry()
	reg.Add(&scenario.Definition{
		Name:    "сценарий ко дню рождения",
		Enabled: true,
		Code: []scenario.Node{
			{ID: "1", Type: scenario.NodeText, Text: "Поздравь пользователя"},
		},
	})
	summarizer := NewSummarizer(store, caller, "")
	p := NewV01(store, &stubRetriever{}, reg, tools.DefaultRegistry(), caller, summarizer, "")

	resp, err := p.HandleChat(context.Background(), ChatRequest{ConversationID: "c1", Message: "как оплатить заказ?"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.LastStepScenario != nil {
		t.Errorf("scenario applied without trigger: %v", *resp.LastStepScenario)
	}

	resp, err = p.HandleChat(context.Background(), ChatRequest{ConversationID: "c2", Message: "сегодня у меня день рождения!"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if resp.LastStepScenario == nil {
		t.Error("scenario should apply on birthday trigger")
	}
}

func TestBuildMessagesV1TailExcludesCurrentMessage(t *testing.T) {
	state := memory.NewConversationState("c1")
	state.MessageIndex = 2
	history := []memory.HistoryItem{
		{Role: memory.RoleUser, Content: "первый вопрос", Timestamp: time.Now()},
		{Role: memory.RoleAssistant, Content: "первый ответ", Timestamp: time.Now()},
		{Role: memory.RoleUser, Content: "второй вопрос", Timestamp: time.Now()},
	}
	msgs := BuildMessagesV1(state, history, nil, engine.NewToolsContext(), "второй вопрос")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	system := msgs[0].Content
	if strings.Count(system, "второй вопрос") != 0 {
		t.Error("current user message duplicated in dialog_tail")
	}
	if !strings.Contains(system, "первый вопрос") {
		t.Error("dialog_tail missing earlier turn")
	}
	if !strings.Contains(system, noContextSentinel) {
		t.Error("empty context should render the sentinel")
	}
	if msgs[1].Content != "второй вопрос" {
		t.Errorf("user message = %q", msgs[1].Content)
	}
}

func TestBuildMessagesV1RequiredBlocks(t *testing.T) {
	state := memory.NewConversationState("c1")
	state.MessageIndex = 1
	tc := engine.NewToolsContext()
	tc.Blocks = []engine.InstructionBlock{
		{Source: "s", Target: engine.TargetAgent, Kind: engine.KindRequired, Priority: 10, Text: "Поздравь Ивана"},
	}
	msgs := BuildMessagesV1(state, nil, []retrieval.Chunk{{Text: "фрагмент"}}, tc, "привет")
	system := msgs[0].Content
	if !strings.Contains(system, "required_blocks:") || !strings.Contains(system, "- Поздравь Ивана") {
		t.Error("required block missing from tools_context")
	}
	if !strings.Contains(system, "[1] фрагмент") {
		t.Error("context chunk not numbered")
	}
}
