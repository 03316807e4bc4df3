package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"supportagent/internal/llm"
	"supportagent/internal/memory"
)

var summarySchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary"],
  "properties": {"summary": {"type": "string"}}
}`)

const summarySystem = "Ты помогаешь составлять краткое резюме диалога поддержки. " +
	"На основе истории сообщений между пользователем (user) и агентом (assistant) " +
	"сделай сжатое повествовательное резюме на русском в 1–5 предложениях. " +
	"Пиши в форме: «Вы спрашивали ..., я объяснил ...». " +
	"Не используй формат «Пользователь: ...», «Агент: ...» и не перечисляй все сообщения. " +
	"Верни только текст резюме без заголовков (например, «Резюме:») и без списков. " +
	"Не добавляй никаких пояснений про то, что это резюме — просто сам текст резюме. " +
	"Не цитируй дословно токсичные/неприличные/оскорбительные фразы пользователя; " +
	"обсценную лексику не повторяй вообще — если важно, напиши нейтрально «пользователь выражался грубо» или опусти. " +
	"Не включай персональные данные и уникальные идентификаторы (имена, телефоны, почты, ID) — если встречаются, опусти. " +
	"Верни СТРОГО JSON без лишнего текста формата: {\"summary\": \"...\"}."

// Summarizer rebuilds the narrative conversation summary from the last
// 16 history items. It runs detached from the turn that scheduled it.
type Summarizer struct {
	store memory.Store
	llm   llm.Caller
	model string
}

func NewSummarizer(store memory.Store, caller llm.Caller, model string) *Summarizer {
	return &Summarizer{store: store, llm: caller, model: model}
}

// Update recomputes and persists the summary. Errors are logged only;
// a failed summary never affects the turn that launched it.
func (s *Summarizer) Update(ctx context.Context, conversationID string) {
	history := s.store.GetHistory(ctx, conversationID)
	if len(history) == 0 {
		return
	}
	if len(history) > 16 {
		history = history[len(history)-16:]
	}
	var lines []string
	for _, item := range history {
		role := "assistant"
		if item.Role == memory.RoleUser {
			role = "user"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, item.Content))
	}

	data, err := s.llm.ChatJSON(ctx,
		[]llm.Message{
			llm.System(summarySystem),
			llm.User("История диалога:\n" + strings.Join(lines, "\n")),
		},
		"dialog_summary", summarySchema,
		llm.CallOpts{Model: s.model, Temperature: 0.1},
	)
	if err != nil {
		slog.Error("summary update failed", "conversation_id", conversationID, "error", err)
		return
	}
	summary, _ := data["summary"].(string)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	state := s.store.GetState(ctx, conversationID)
	state.Summary = summary
	if err := s.store.SaveState(ctx, state); err != nil {
		slog.Error("summary persist failed", "conversation_id", conversationID, "error", err)
	}
}

// Launch schedules Update as fire-and-forget with its own timeout. The
// turn returns before the summary completes; a host shutdown may drop
// an in-flight update.
func (s *Summarizer) Launch(conversationID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		s.Update(ctx, conversationID)
	}()
	slog.Info("summary launched", "conversation_id", conversationID)
}
