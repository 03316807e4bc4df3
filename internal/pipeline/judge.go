package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/retrieval"
)

// JudgeAction is the judge's verdict on a draft answer.
type JudgeAction string

const (
	JudgePass   JudgeAction = "pass"
	JudgeRevise JudgeAction = "revise"
)

// JudgeDecision is the structured output of judge evaluation.
type JudgeDecision struct {
	Action            JudgeAction `json:"action"`
	Reasons           []string    `json:"reasons"`
	PatchInstructions string      `json:"patch_instructions"`
}

var judgeDecisionSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["action", "reasons", "patch_instructions"],
  "properties": {
    "action": {"type": "string", "enum": ["pass", "revise"]},
    "reasons": {"type": "array", "items": {"type": "string"}},
    "patch_instructions": {"type": "string"}
  }
}`)

// judgeEvaluate asks the judge model whether the draft needs an edit.
// Any failure or malformed verdict degrades to pass so a broken judge
// never blocks a turn.
func (p *V10) judgeEvaluate(
	ctx context.Context,
	state *memory.ConversationState,
	tc *engine.ToolsContext,
	chunks []retrieval.Chunk,
	userMessage, draft string,
	attempts int,
) JudgeDecision {
	var ruleLines []string
	for _, t := range tc.JudgeRuleTexts() {
		ruleLines = append(ruleLines, "- "+t)
	}

	required := tc.RequiredAgentTexts()
	if len(required) > 50 {
		required = required[:50]
	}
	var requiredLines []string
	for _, t := range required {
		requiredLines = append(requiredLines, "- "+t)
	}
	requiredText := strings.Join(requiredLines, "\n")
	if requiredText == "" {
		requiredText = "- (нет)\n"
	}

	system := "Ты — строгий, но не занудный редактор ответа службы поддержки.\n" +
		"Твоя задача: решить, нужно ли править ответ ассистента. Не переписывай без необходимости.\n" +
		"Проверяй два типа проблем:\n" +
		"1) фактологические: ответ не должен утверждать то, чего нет в context/tools_context;\n" +
		"2) сценарные: ответ должен соблюдать rules и не применять ветки без оснований.\n" +
		"Также проверь стиль:\n" +
		"- Запрещены эмодзи/смайлики.\n" +
		"- Запрещены обещания будущих действий/обновлений/уведомлений (например: «мы обязательно сообщим», «передали разработчикам», «в следующем обновлении»), если этого нет в context.\n" +
		"Если правка нужна — верни JSON строго формата:\n" +
		"{\"action\":\"revise\",\"reasons\":[\"...\"],\"patch_instructions\":\"...\"}\n" +
		"Если правка не нужна — верни JSON:\n" +
		"{\"action\":\"pass\",\"reasons\":[\"ok\"],\"patch_instructions\":\"\"}\n" +
		"Ограничение: не предлагай более 1-2 точечных правок. Без фанатизма.\n" +
		"Учитывай правила:\n" +
		strings.Join(ruleLines, "\n") + "\n\n" +
		"facts_summary:\n" + factsSummary(state, tc) + "\n\n" +
		"required_instructions_summary:\n" + requiredText + "\n\n" +
		"context:\n" + contextSection(chunks) + "\n"

	user := fmt.Sprintf("Последнее сообщение пользователя:\n%s\n\nЧерновик ответа ассистента:\n%s\n", userMessage, draft)

	decision := JudgeDecision{Action: JudgePass, Reasons: []string{"ok"}}
	data, err := p.llm.ChatJSON(ctx,
		[]llm.Message{llm.System(system), llm.User(user)},
		"judge_decision", judgeDecisionSchema,
		llm.CallOpts{Model: p.judgeModel},
	)
	if err != nil {
		slog.Warn("judge evaluation failed, passing draft", "conversation_id", state.ConversationID, "error", err)
		return decision
	}
	var parsed JudgeDecision
	if err := llm.DecodeInto(data, &parsed); err == nil {
		if parsed.Action == JudgePass || parsed.Action == JudgeRevise {
			decision = parsed
		}
	}
	slog.Info("judge decision",
		"conversation_id", state.ConversationID,
		"attempts", attempts,
		"action", decision.Action,
		"reasons", decision.Reasons)
	return decision
}

// judgeRevise applies the judge's patch with minimal edits and returns
// the revised answer. On failure the original draft stands.
func (p *V10) judgeRevise(
	ctx context.Context,
	state *memory.ConversationState,
	tc *engine.ToolsContext,
	chunks []retrieval.Chunk,
	patch, original string,
	attempt int,
) string {
	mustKeep := tc.RequiredAgentTexts()
	if len(mustKeep) > 12 {
		mustKeep = mustKeep[:12]
	}
	var keepLines []string
	for _, t := range mustKeep {
		keepLines = append(keepLines, "- "+t)
	}
	mustKeepText := strings.Join(keepLines, "\n")
	if mustKeepText == "" {
		mustKeepText = "- (нет)\n"
	}

	system := "Ты правишь ответ службы поддержки строго по инструкциям редактора.\n" +
		"Не добавляй новых фактов, которых нет в контексте.\n" +
		"Сделай минимальные правки.\n" +
		"Верни только финальный текст ответа, без списков изменений и без пояснений.\n" +
		"Нельзя удалять обязательные требования из must_keep, если они не противоречат context.\n" +
		"Не используй эмодзи/смайлики; если они есть в исходном тексте — убери.\n" +
		"Не добавляй обещания будущих действий/обновлений/уведомлений, если этого нет в context.\n"

	user := fmt.Sprintf(
		"Инструкции для правки:\n%s\n\nИсходный ответ:\n%s\n\n\nfacts_summary:\n%s\n\nmust_keep:\n%s\n\ncontext:\n%s\n",
		patch, original, factsSummary(state, tc), mustKeepText, contextSection(chunks),
	)

	revised, err := p.llm.Chat(ctx,
		[]llm.Message{llm.System(system), llm.User(user)},
		llm.CallOpts{Model: p.reviseModel, Temperature: 0.1},
	)
	if err != nil {
		slog.Warn("judge revise failed, keeping draft", "conversation_id", state.ConversationID, "error", err)
		return original
	}
	revised = strings.TrimSpace(revised)
	if revised == "" {
		return original
	}
	slog.Info("judge revise applied", "conversation_id", state.ConversationID, "attempt", attempt)
	return revised
}
