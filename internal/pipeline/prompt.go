package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/retrieval"
)

const noContextSentinel = "Релевантных фрагментов базы знаний не найдено."

// contextSection renders KB chunks as a numbered list, or the "nothing
// found" sentinel. Shared by generation, judge and revise prompts.
func contextSection(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return noContextSentinel
	}
	lines := []string{"База знаний (релевантные фрагменты):"}
	for i, ch := range chunks {
		lines = append(lines, fmt.Sprintf("[%d] %s", i+1, ch.Text))
	}
	return strings.Join(lines, "\n")
}

const generateSystemPreamble = "Ты — агент поддержки компании.\n" +
	"Отвечай только на основе:\n" +
	"1) context (база знаний),\n" +
	"2) tools_context (сценарные инструкции и факты),\n" +
	"3) dialog_summary и dialog_tail (наименее важный источник).\n" +
	"Если источники противоречат — следуй приоритету выше.\n" +
	"Не используй внешний мир или общие знания вне того, что дано.\n" +
	"Если context пустой/недостаточный — честно скажи, что не нашёл точной информации, и предложи уточнение/эскалацию.\n" +
	"Всегда отвечай на русском, дружелюбно и профессионально, 3–4 коротких предложения.\n" +
	"Не используй эмодзи/смайлики.\n" +
	"Не обещай того, чего нет в context (например: «мы обязательно сообщим», «передали разработчикам», «выйдет в следующем обновлении»).\n" +
	"Не раскрывай ход рассуждений.\n" +
	"dialog_params/message_index — порядковый номер текущего сообщения пользователя в диалоге (считаются только сообщения пользователя, а не ответы ассистента). " +
	"Не пересчитывай этот номер по истории вручную, используй только значение из dialog_params.\n"

const assistantMetaSection = "assistant_meta:\n" +
	"- Если пользователь спросит \"Кто ты?\" — объясни, что ты виртуальный агент поддержки компании, работающий с базой знаний и сценариями.\n" +
	"- Если спросит \"О чем мы общаемся?\" — используй dialog_summary и dialog_tail, чтобы кратко пересказать контекст.\n"

// BuildMessagesV1 assembles the two-message generation prompt for the
// v1.0 pipeline: a sectioned system message plus the user turn verbatim.
func BuildMessagesV1(
	state *memory.ConversationState,
	history []memory.HistoryItem,
	chunks []retrieval.Chunk,
	tc *engine.ToolsContext,
	userMessage string,
) []llm.Message {
	// History already contains the current user turn; drop it from the
	// tail so the prompt does not repeat the message.
	tail := history
	if n := len(tail); n > 0 && tail[n-1].Role == memory.RoleUser && tail[n-1].Content == userMessage {
		tail = tail[:n-1]
	}
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	var tailLines []string
	for _, item := range tail {
		tailLines = append(tailLines, fmt.Sprintf("%s: %s", item.Role, item.Content))
	}

	parts := []string{
		generateSystemPreamble,
		assistantMetaSection,
		fmt.Sprintf("dialog_params:\n- message_index: %d\n", state.MessageIndex),
		fmt.Sprintf("dialog_summary:\n%s\n", state.Summary),
		fmt.Sprintf("dialog_tail:\n%s\n", strings.Join(tailLines, "\n")),
		fmt.Sprintf("context:\n%s\n", contextSection(chunks)),
	}

	if section := toolsContextSection(tc); section != "" {
		parts = append(parts, section)
	}

	return []llm.Message{
		llm.System(strings.TrimSpace(strings.Join(parts, "\n"))),
		llm.User(userMessage),
	}
}

// toolsContextSection renders required and unresolved conditional blocks
// sorted by priority. Empty when the scenario engine produced nothing
// prompt-worthy.
func toolsContextSection(tc *engine.ToolsContext) string {
	if tc == nil {
		return ""
	}
	var required, conditional []engine.InstructionBlock
	for _, b := range tc.Blocks {
		if b.Target != engine.TargetAgent {
			continue
		}
		switch {
		case b.Kind == engine.KindRequired && b.Text != "":
			required = append(required, b)
		case b.Kind == engine.KindConditional && b.Condition != nil:
			conditional = append(conditional, b)
		}
	}
	if len(required) == 0 && len(conditional) == 0 {
		return ""
	}

	sort.SliceStable(required, func(i, j int) bool { return required[i].Priority < required[j].Priority })
	sort.SliceStable(conditional, func(i, j int) bool { return conditional[i].Priority < conditional[j].Priority })

	var sections []string
	if len(required) > 0 {
		var lines []string
		for _, b := range required {
			lines = append(lines, "- "+b.Text)
		}
		sections = append(sections, "required_blocks:\n"+strings.Join(lines, "\n"))
	}
	if len(conditional) > 0 {
		lines := []string{
			"conditional_blocks:",
			"Правила применения условных блоков:",
			"- Если сообщение пользователя НЕ относится к теме condition — игнорируй блок полностью.",
			"- Если относится и явно TRUE — используй только when_true.",
			"- Если относится и явно FALSE — используй только when_false.",
			"- Если неясно — игнорируй блок и НЕ выбирай when_false по умолчанию.",
		}
		for _, b := range conditional {
			lines = append(lines, "- condition: "+b.Condition.Condition)
			lines = append(lines, "  apply_policy:")
			for _, gate := range engine.ApplyPolicy {
				lines = append(lines, "    - "+gate)
			}
			if len(b.Condition.WhenTrue) > 0 {
				lines = append(lines, "  when_true:")
				for _, t := range b.Condition.WhenTrue {
					lines = append(lines, "    - "+t)
				}
			}
			if len(b.Condition.WhenFalse) > 0 {
				lines = append(lines, "  when_false:")
				for _, t := range b.Condition.WhenFalse {
					lines = append(lines, "    - "+t)
				}
			}
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return "tools_context:\n" + strings.Join(sections, "\n\n") + "\n"
}

// factsSummary lists profile fields and the safe subset of the
// get_user_data fact for judge and revise prompts.
func factsSummary(state *memory.ConversationState, tc *engine.ToolsContext) string {
	var lines []string
	if state.UserProfile.Name != "" {
		lines = append(lines, "- user_profile.name: "+state.UserProfile.Name)
	}
	if state.UserProfile.Age != nil {
		lines = append(lines, fmt.Sprintf("- user_profile.age: %d", *state.UserProfile.Age))
	}
	if tc != nil {
		if data, ok := tc.Facts["tool:get_user_data"]; ok {
			safe := map[string]any{}
			for _, k := range []string{"name", "age"} {
				if v, ok := data[k]; ok {
					safe[k] = v
				}
			}
			lines = append(lines, fmt.Sprintf("- tool:get_user_data: %v", safe))
		}
	}
	if len(lines) == 0 {
		return "- (нет)\n"
	}
	return strings.Join(lines, "\n")
}
