package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"supportagent/internal/engine"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/retrieval"
	"supportagent/internal/scenario"
	"supportagent/internal/tools"
)

// V01 is the original linear pipeline: profile fill on the first turn,
// scenario prose rendered into a YAML-like special_instructions section
// and a single generation call with no judge.
type V01 struct {
	store      memory.Store
	retriever  Searcher
	registry   *scenario.Registry
	tools      *tools.Registry
	llm        llm.Caller
	summarizer *Summarizer
	model      string
}

func NewV01(store memory.Store, retriever Searcher, reg *scenario.Registry, toolReg *tools.Registry, caller llm.Caller, summarizer *Summarizer, model string) *V01 {
	return &V01{
		store:      store,
		retriever:  retriever,
		registry:   reg,
		tools:      toolReg,
		llm:        caller,
		summarizer: summarizer,
		model:      model,
	}
}

func (p *V01) HandleChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	state := p.store.GetState(ctx, req.ConversationID)
	state.MessageIndex++

	// The first turn fills the profile eagerly so scenario templates can
	// already reference dialog.name and dialog.age.
	if state.MessageIndex == 1 && (state.UserProfile.Name == "" || state.UserProfile.Age == nil) {
		data := p.tools.Call("get_user_data")
		if name, ok := data["name"].(string); ok && state.UserProfile.Name == "" {
			state.UserProfile.Name = name
		}
		if age, ok := data["age"].(int); ok && state.UserProfile.Age == nil {
			state.UserProfile.Age = &age
		}
	}

	if err := p.store.AppendHistory(ctx, req.ConversationID, memory.NewHistoryItem(memory.RoleUser, req.Message)); err != nil {
		return nil, err
	}

	chunks := p.retriever.Search(ctx, req.Message)
	if chunks == nil {
		chunks = []retrieval.Chunk{}
	}

	var contextParts, applied []string
	for _, def := range sortedByName(p.registry.Enabled()) {
		text := runLegacyScenario(def, state, req.Message)
		if text != "" {
			contextParts = append(contextParts, text)
			applied = append(applied, def.Name)
		}
	}

	history := p.store.GetHistory(ctx, req.ConversationID)
	messages := buildLegacyPrompt(state, history, strings.Join(contextParts, "\n\n"), chunks, req.Message)

	answer, err := p.llm.Chat(ctx, messages, llm.CallOpts{Model: p.model, Temperature: 0.1})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("legacy generation failed", "conversation_id", req.ConversationID, "error", err)
		answer = apologyFor(err)
	}
	answer = strings.TrimSpace(answer)

	if err := p.store.AppendHistory(ctx, req.ConversationID, memory.NewHistoryItem(memory.RoleAssistant, answer)); err != nil {
		return nil, err
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return nil, err
	}

	p.summarizer.Launch(req.ConversationID)

	var lastStep *string
	if len(applied) > 0 {
		joined := strings.Join(applied, ", ")
		lastStep = &joined
	}
	return &ChatResponse{
		ConversationID:   req.ConversationID,
		Answer:           answer,
		Chunks:           chunks,
		LastStepScenario: lastStep,
	}, nil
}

func sortedByName(defs []*scenario.Definition) []*scenario.Definition {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

var birthdayTriggers = []string{
	"день рождения", "днём рождения", "с днем рождения", "с днём рождения",
	"днюха", "днюху", "у меня др", "мой др", "сегодня др", "сегодня день рождения",
	" др ", " др.", " др,", "др ", "др.", "др,", "др?",
	"годиков", "исполнилось", "исполнится",
}

const legacyInstructions = "special_instructions описывает дополнительные сценарные указания.\n" +
	"- blocks: список обязательных текстов-инструкций, которые нужно учитывать при формировании ответа.\n" +
	"- blocks_with_conditions: список условных блоков. Для КАЖДОГО такого блока действуй так:\n" +
	"  1. Смотри на pair condition.description и condition.user_message. user_message — это последнее сообщение пользователя.\n" +
	"  2. Сначала реши, относится ли user_message по смыслу к теме из condition.description.\n" +
	"     - Если НЕ относится, полностью игнорируй этот блок и НЕ используй ни when_true, ни when_false.\n" +
	"  3. Если сообщение относится к той же теме:\n" +
	"     - Считай условие ИСТИННЫМ, только если из user_message явно следует, что описанная ситуация выполняется\n" +
	"       (например: \"сегодня у меня день рождения\").\n" +
	"     - Считай условие ЛОЖНЫМ, только если из user_message явно следует, что описанная ситуация НЕ выполняется,\n" +
	"       но тема та же (например: \"день рождения был на прошлой неделе\" или \"мой день рождения в августе\").\n" +
	"  4. Если из user_message нельзя однозначно понять, выполняется условие или нет,\n" +
	"     лучше полностью игнорировать этот блок и НЕ использовать when_false.\n" +
	"  5. Если условие ИСТИННО — учитывай в ответе только тексты из when_true.texts.\n" +
	"     Если условие ЛОЖНО — учитывай в ответе только тексты из when_false.texts.\n" +
	"  6. Не делай логических выводов сверх явно заданных текстов; просто выбирай между when_true,\n" +
	"     when_false или полным игнорированием блока.\n"

type legacyConditional struct {
	condition string
	whenTrue  []string
	whenFalse []string
}

// runLegacyScenario renders one scenario into its special_instructions
// YAML-like section. Only first-turn messages run scenarios, and
// birthday-named scenarios additionally require a trigger phrase.
func runLegacyScenario(def *scenario.Definition, state *memory.ConversationState, userMessage string) string {
	if state.MessageIndex != 1 {
		return ""
	}
	lowerName := strings.ToLower(def.Name)
	if strings.Contains(lowerName, "дню рожд") || strings.Contains(lowerName, "день рожд") {
		lowered := strings.ToLower(userMessage)
		hit := false
		for _, trigger := range birthdayTriggers {
			if strings.Contains(lowered, trigger) {
				hit = true
				break
			}
		}
		if !hit {
			return ""
		}
	}

	// v0.1 scenarios read the eagerly filled profile instead of calling
	// get_user_data again.
	toolFacts := map[string]map[string]any{}
	ensureTool := func(name string) {
		if _, ok := toolFacts[name]; ok {
			return
		}
		if name == "get_user_data" {
			facts := map[string]any{}
			if state.UserProfile.Name != "" {
				facts["name"] = state.UserProfile.Name
			}
			if state.UserProfile.Age != nil {
				facts["age"] = *state.UserProfile.Age
			}
			toolFacts[name] = facts
			return
		}
		toolFacts[name] = map[string]any{}
	}

	ordered := make([]scenario.Node, len(def.Code))
	copy(ordered, def.Code)
	sort.SliceStable(ordered, func(i, j int) bool { return scenario.LessID(ordered[i].ID, ordered[j].ID) })

	var textBlocks []string
	var conditionals []legacyConditional
	render := func(text string) string { return engine.RenderTemplate(text, state, toolFacts) }

walk:
	for _, node := range ordered {
		switch node.Type {
		case scenario.NodeEnd:
			break walk
		case scenario.NodeTool:
			if node.Tool != "" {
				ensureTool(node.Tool)
			}
		case scenario.NodeText:
			if node.Text != "" {
				textBlocks = append(textBlocks, render(node.Text))
			}
		case scenario.NodeIf:
			lc := legacyConditional{condition: node.Condition}
			for _, child := range node.Children {
				if child.Type == scenario.NodeText && child.Text != "" {
					lc.whenTrue = append(lc.whenTrue, render(child.Text))
				}
			}
			for _, child := range node.ElseChildren {
				if child.Type == scenario.NodeText && child.Text != "" {
					lc.whenFalse = append(lc.whenFalse, render(child.Text))
				}
			}
			conditionals = append(conditionals, lc)
		}
	}

	if len(textBlocks) == 0 && len(conditionals) == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, "instructions: |")
	lines = append(lines, indentBlock(legacyInstructions, "  "))

	if len(textBlocks) > 0 {
		lines = append(lines, "blocks:")
		for _, txt := range textBlocks {
			lines = append(lines, "  - text: |")
			lines = append(lines, indentBlock(txt, "      "))
		}
	}
	if len(conditionals) > 0 {
		lines = append(lines, "blocks_with_conditions:")
		for _, lc := range conditionals {
			lines = append(lines, "  - condition:")
			lines = append(lines, fmt.Sprintf("      description: %q", lc.condition))
			lines = append(lines, fmt.Sprintf("      user_message: %q", userMessage))
			lines = append(lines, "    when_true:")
			lines = append(lines, "      texts:")
			if len(lc.whenTrue) > 0 {
				for _, txt := range lc.whenTrue {
					lines = append(lines, fmt.Sprintf("        - %q", txt))
				}
			} else {
				lines = append(lines, "        # нет текстов для ветки when_true")
			}
			lines = append(lines, "    when_false:")
			lines = append(lines, "      texts:")
			if len(lc.whenFalse) > 0 {
				for _, txt := range lc.whenFalse {
					lines = append(lines, fmt.Sprintf("        - %q", txt))
				}
			} else {
				lines = append(lines, "        # нет текстов для ветки when_false")
			}
		}
	}

	state.ScenarioRuns = append(state.ScenarioRuns, memory.ScenarioRun{
		Name:           def.Name,
		AtMessageIndex: state.MessageIndex,
		TS:             time.Now().UTC(),
	})

	return strings.Join(lines, "\n")
}

// buildLegacyPrompt assembles the YAML-like single system message of the
// v0.1 pipeline.
func buildLegacyPrompt(state *memory.ConversationState, history []memory.HistoryItem, scenarioContext string, chunks []retrieval.Chunk, userMessage string) []llm.Message {
	tail := history
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	var tailLines []string
	for _, item := range tail {
		tailLines = append(tailLines, fmt.Sprintf("  - role: %s\n    content: %q", item.Role, item.Content))
	}
	tailBlock := strings.Join(tailLines, "\n")
	if tailBlock == "" {
		tailBlock = "  # нет предыдущих сообщений"
	}

	age := ""
	if state.UserProfile.Age != nil {
		age = fmt.Sprintf("%d", *state.UserProfile.Age)
	}

	parts := []string{
		"system: |\n" +
			"  Ты — агент технической поддержки.\n" +
			"  Отвечай только на основе поля context и, при наличии, special_instructions.\n" +
			"  Если разные источники противоречат друг другу, используй приоритет (от более важного к менее важному):\n" +
			"    1) context,\n" +
			"    2) special_instructions,\n" +
			"    3) dialog_summary и dialog_tail. - наименее важный\n" +
			"  Не считай свои прошлые ответы из dialog_tail более достоверными, чем context или special_instructions.\n" +
			"  Не используй внешний мир или общие знания вне того, что явно дано в этом промпте.\n" +
			"  Если context пустой, недостаточный или нерелевантный — честно напиши, что не нашёл точного ответа\n" +
			"  и предложи эскалацию специалисту или переформулировку вопроса.\n" +
			"  Всегда отвечай на русском языке и в формате диалога, дружелюбно и профессионально.\n" +
			"  Ты понимаешь, что ты чат-агент поддержки.\n" +
			"  Не раскрывай ход рассуждений, не описывай, как ты думаешь; отвечай кратко и по делу.\n" +
			"  Если special_instructions не пустой, используй его как дополнительные инструкции,\n" +
			"  но не нарушай правила из system.\n" +
			"  Ответ нужно дать на последнее сообщение пользователя new_user_message,\n" +
			"  учитывая dialog_summary и dialog_tail.\n" +
			"  Не выдумывай факты, которых нет в context или special_instructions.\n" +
			"  Не перечисляй dialog_params в ответе, если пользователь явно об этом не спрашивает.\n" +
			"  Отвечай обычным текстом на русском, не в формате YAML и не повторяя структуру промпта.\n" +
			"  Если dialog_params/message_index равен 1, то это первое сообщение в диалоге\n" +
			"   - поздоровайся, если нет - не здоровайся, продолжай диалог словно он длится какое то время.\n" +
			"  Не придумывай названия разделов, кнопок, экранов, статусов и других элементов интерфейса и системы,\n" +
			"  о которой может идти речь. Ты знаешь только то, что попало в данный промпт, остальное не выдумывай,\n" +
			"  если эти элементы прямо не указаны в context или special_instructions.\n" +
			"  Старайся укладываться в 3–4 коротких предложения; списки используй только если вопрос явно требует шагов.\n",
		"assistant_meta: |\n" +
			"  Если пользователь спросит \"Кто ты?\" — объясни, что ты виртуальный агент поддержки компании,\n" +
			"  работающий с базой знаний и сценариями.\n" +
			"  Если спросит \"О чем мы общаемся?\" — используй dialog_summary и dialog_tail,\n" +
			"  чтобы кратко пересказать контекст диалога.\n",
		fmt.Sprintf("dialog_params:\n  message_index: %d\n  name: %q\n  age: %q\n", state.MessageIndex, state.UserProfile.Name, age),
		"dialog_summary: |\n  " + state.Summary + "\n",
		"dialog_tail:\n" + tailBlock + "\n",
		"context: |\n" + indentBlock(contextSection(chunks), "  ") + "\n",
		"special_instructions: |\n" + indentSpecial(scenarioContext),
		"new_user_message: |\n" + indentBlock(userMessage, "  ") + "\n",
	}

	return []llm.Message{
		llm.System(strings.Join(parts, "\n")),
		llm.User(userMessage),
	}
}

func indentBlock(text string, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = prefix
		} else {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func indentSpecial(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "  \n"
	}
	return indentBlock(text, "  ") + "\n"
}
