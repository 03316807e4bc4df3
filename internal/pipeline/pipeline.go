// Package pipeline turns one user message into an assistant reply. Two
// generations coexist: the v0.1 linear orchestrator and the v1.0 graph
// of retrieval, scenario compilation, generation and a bounded
// judge/revise loop.
package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/retrieval"
)

const maxJudgeAttempts = 2

// V10 is the v1.0 turn pipeline:
//
//	load_state → append_user → retrieval → scenario_engine →
//	build_messages → llm_generate → judge loop → persist → summary
type V10 struct {
	store      memory.Store
	retriever  Searcher
	engine     *engine.Engine
	llm        llm.Caller
	summarizer *Summarizer

	generateModel string
	judgeModel    string
	reviseModel   string
}

type V10Config struct {
	GenerateModel string
	JudgeModel    string
	ReviseModel   string
}

func NewV10(store memory.Store, retriever Searcher, eng *engine.Engine, caller llm.Caller, summarizer *Summarizer, cfg V10Config) *V10 {
	return &V10{
		store:         store,
		retriever:     retriever,
		engine:        eng,
		llm:           caller,
		summarizer:    summarizer,
		generateModel: cfg.GenerateModel,
		judgeModel:    cfg.JudgeModel,
		reviseModel:   cfg.ReviseModel,
	}
}

func (p *V10) HandleChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	// load_state + append_user
	state := p.store.GetState(ctx, req.ConversationID)
	state.MessageIndex++
	if err := p.store.AppendHistory(ctx, req.ConversationID, memory.NewHistoryItem(memory.RoleUser, req.Message)); err != nil {
		return nil, err
	}
	history := p.store.GetHistory(ctx, req.ConversationID)

	// retrieval: failures already degrade to an empty slice inside.
	chunks := p.retriever.Search(ctx, req.Message)
	if chunks == nil {
		chunks = []retrieval.Chunk{}
	}

	// scenario engine
	tc, err := p.engine.Run(ctx, state, req.Message)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("scenario engine failed, continuing without scenarios",
			"conversation_id", req.ConversationID, "error", err)
		tc = engine.NewToolsContext()
	}

	// llm_generate
	messages := BuildMessagesV1(state, history, chunks, tc, req.Message)
	answer, err := p.llm.Chat(ctx, messages, llm.CallOpts{Model: p.generateModel, Temperature: 0.1})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("generation failed", "conversation_id", req.ConversationID, "error", err)
		answer = apologyFor(err)
	}
	answer = strings.TrimSpace(answer)

	// judge loop: at most maxJudgeAttempts revisions, then persist.
	attempts := 0
	for {
		decision := p.judgeEvaluate(ctx, state, tc, chunks, req.Message, answer, attempts)
		if decision.Action != JudgeRevise || attempts >= maxJudgeAttempts {
			break
		}
		attempts++
		answer = p.judgeRevise(ctx, state, tc, chunks, decision.PatchInstructions, answer, attempts)
	}

	// persist_answer
	if err := p.store.AppendHistory(ctx, req.ConversationID, memory.NewHistoryItem(memory.RoleAssistant, answer)); err != nil {
		return nil, err
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return nil, err
	}

	// launch_summary
	p.summarizer.Launch(req.ConversationID)

	return &ChatResponse{
		ConversationID:   req.ConversationID,
		Answer:           answer,
		Chunks:           chunks,
		LastStepScenario: appliedNames(tc),
	}, nil
}

func appliedNames(tc *engine.ToolsContext) *string {
	if tc == nil || len(tc.Applied) == 0 {
		return nil
	}
	names := make([]string, len(tc.Applied))
	for i, ref := range tc.Applied {
		names[i] = ref.Name
	}
	joined := strings.Join(names, ", ")
	return &joined
}

// apologyFor picks a user-facing apology based on the upstream error
// kind. The reply is always produced; the turn never fails outright.
func apologyFor(err error) string {
	var reason string
	switch llm.KindOf(err) {
	case llm.KindAuth:
		reason = " Причина: проблема с токеном доступа или авторизацией."
	case llm.KindRateLimit:
		reason = " Причина: временное превышение лимитов запросов к LLM-сервису."
	case llm.KindTimeout, llm.KindNetwork:
		reason = " Причина: проблемы с сетевым доступом или таймаут соединения с LLM-сервисом."
	default:
		reason = " Причина: внутренняя ошибка на стороне LLM-сервиса."
	}
	return "Сейчас у меня не получается получить ответ от модели." + reason +
		" Попробуйте, пожалуйста, повторить запрос позже."
}
