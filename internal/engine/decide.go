package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"supportagent/internal/llm"
)

// Decision is the outcome of an LLM condition evaluation.
type Decision string

const (
	DecisionIgnore  Decision = "ignore"
	DecisionTrue    Decision = "true"
	DecisionFalse   Decision = "false"
	DecisionUnknown Decision = "unknown"
)

var conditionDecisionSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["decision", "followup_question"],
  "properties": {
    "decision": {"type": "string", "enum": ["ignore", "true", "false", "unknown"]},
    "followup_question": {"type": "string"}
  }
}`)

const conditionDecisionSystem = "Ты — модуль принятия решения по условному ветвлению сценария поддержки.\n" +
	"Нужно определить, относится ли последнее сообщение пользователя к условию, и если относится — истинно оно, ложно или неоднозначно.\n" +
	"Важно: ты решаешь применимость сценарной ветки по последнему сообщению пользователя и dialog_params, а не «истинность во внешнем мире».\n" +
	"Верни СТРОГО JSON без лишнего текста формата:\n" +
	"{\n" +
	"  \"decision\": \"ignore|true|false|unknown\",\n" +
	"  \"followup_question\": \"...\" \n" +
	"}\n" +
	"Правила:\n" +
	"- ignore: если сообщение не относится к теме условия.\n" +
	"- true: только если из сообщения ЯВНО следует, что условие выполняется.\n" +
	"- false: только если из сообщения ЯВНО следует, что условие НЕ выполняется, но тема та же.\n" +
	"- unknown: если тема та же, но нельзя уверенно выбрать true/false.\n" +
	"- Если условие про параметры диалога (например, dialog.message_index или «первое сообщение») —\n" +
	"  используй dialog.message_index для принятия решения и НЕ выбирай ignore по причине «не по теме».\n" +
	"- Если условие про «второе/третье/четвертое сообщение» — это строгое сравнение dialog.message_index с 2/3/4.\n" +
	"- Если условие сформулировано как «Пользователь написал/сказал/сообщил ... что ...» — трактуй это как проверку факта высказывания в последнем сообщении.\n" +
	"  TRUE: если пользователь в последнем сообщении утверждает это.\n" +
	"  FALSE: если пользователь в последнем сообщении явно утверждает обратное.\n" +
	"  UNKNOWN: только если по последнему сообщению реально непонятно, утверждает ли он это.\n" +
	"  Не требуй внешнюю верификацию: слова пользователя достаточно для true/false.\n" +
	"- Если в сообщении пользователя явно есть указание на время (например, слово 'сегодня'), и это соответствует смыслу condition,\n" +
	"  не выбирай unknown: выбери true или false.\n" +
	"Для unknown задавай только вопрос про уточнение формулировки последнего сообщения (без запроса персональных данных).\n" +
	"Запрещено просить персональные данные или «верификацию» (например: дату рождения, паспорт, телефон, адрес, email, номер карты).\n" +
	"Для unknown сформулируй короткий уточняющий вопрос (followup_question), иначе пустую строку.\n"

// decideCondition asks the condition model whether one conditional block
// applies to the current user message.
func (e *Engine) decideCondition(ctx context.Context, payload *ConditionPayload, userMessage string, messageIndex int, facts map[string]map[string]any) (Decision, string) {
	factsPreview := map[string]any{}
	if data, ok := facts["tool:get_user_data"]; ok {
		safe := map[string]any{}
		for _, k := range []string{"name", "age"} {
			if v, ok := data[k]; ok {
				safe[k] = v
			}
		}
		factsPreview["tool:get_user_data"] = safe
	}

	dialogParams, _ := json.Marshal(map[string]any{"message_index": messageIndex})
	factsJSON, _ := json.Marshal(factsPreview)
	whenTrueJSON, _ := json.Marshal(headOf(payload.WhenTrue, 5))
	whenFalseJSON, _ := json.Marshal(headOf(payload.WhenFalse, 5))

	user := fmt.Sprintf(
		"Условие:\n%s\n\ndialog_params:\n%s\n\nСообщение пользователя:\n%s\n\nФакты:\n%s\n\nВетка when_true (для понимания смысла):\n%s\n\nВетка when_false (для понимания смысла):\n%s\n",
		payload.Condition, dialogParams, userMessage, factsJSON, whenTrueJSON, whenFalseJSON,
	)

	data, err := e.llm.ChatJSON(ctx,
		[]llm.Message{llm.System(conditionDecisionSystem), llm.User(user)},
		"condition_decision", conditionDecisionSchema,
		llm.CallOpts{Model: e.conditionModel},
	)
	if err != nil {
		slog.Warn("condition decision failed", "condition_id", payload.ConditionID, "error", err)
		return DecisionUnknown, ""
	}

	decision := DecisionUnknown
	if s, ok := data["decision"].(string); ok {
		switch Decision(s) {
		case DecisionIgnore, DecisionTrue, DecisionFalse, DecisionUnknown:
			decision = Decision(s)
		}
	}
	followup := ""
	if s, ok := data["followup_question"].(string); ok {
		followup = strings.TrimSpace(s)
	}
	slog.Info("condition decision",
		"decision", decision,
		"followup_present", followup != "",
		"condition", clip(payload.Condition, 160),
		"user_message", clip(userMessage, 160))
	return decision, followup
}

// decideConditions resolves every conditional block in parallel. It
// removes the conditional blocks, adds the chosen branch texts back as
// raw blocks (or a followup requirement for unknown) and records one
// judge rule per non-ignore decision. Returns per-scenario decisions and
// the set of scenarios that had condition nodes at all.
func (e *Engine) decideConditions(ctx context.Context, tc *ToolsContext, userMessage string, messageIndex int) (map[string][]Decision, map[string]bool, error) {
	var conditional []InstructionBlock
	for _, b := range tc.Blocks {
		if b.Kind == KindConditional && b.Target == TargetAgent && b.Condition != nil {
			conditional = append(conditional, b)
		}
	}

	sourcesWithCondition := map[string]bool{}
	for _, b := range conditional {
		if src := strings.TrimSpace(b.Source); src != "" {
			sourcesWithCondition[src] = true
		}
	}

	type outcome struct {
		block    InstructionBlock
		decision Decision
		applied  []InstructionBlock
	}
	outcomes := make([]outcome, len(conditional))

	g, gctx := errgroup.WithContext(ctx)
	for i, block := range conditional {
		g.Go(func() error {
			decision, followup := e.decideCondition(gctx, block.Condition, userMessage, messageIndex, tc.Facts)

			var applied []InstructionBlock
			switch decision {
			case DecisionTrue:
				for idx, txt := range block.Condition.WhenTrue {
					applied = append(applied, InstructionBlock{
						ID:       fmt.Sprintf("%s:applied:true:%d", block.ID, idx+1),
						Source:   block.Source,
						Target:   TargetAgent,
						Kind:     KindRaw,
						Priority: block.Priority,
						Text:     txt,
					})
				}
			case DecisionFalse:
				for idx, txt := range block.Condition.WhenFalse {
					applied = append(applied, InstructionBlock{
						ID:       fmt.Sprintf("%s:applied:false:%d", block.ID, idx+1),
						Source:   block.Source,
						Target:   TargetAgent,
						Kind:     KindRaw,
						Priority: block.Priority,
						Text:     txt,
					})
				}
			case DecisionUnknown:
				if followup != "" {
					applied = append(applied, InstructionBlock{
						ID:       block.ID + ":applied:unknown:followup",
						Source:   block.Source,
						Target:   TargetAgent,
						Kind:     KindRequired,
						Priority: block.Priority,
						Text: "В конце ответа задай уточняющий вопрос (сначала ответь на основной вопрос пользователя):\n" +
							followup,
					})
				}
			}
			outcomes[i] = outcome{block: block, decision: decision, applied: applied}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	decisions := map[string][]Decision{}
	var judgeRules, applied []InstructionBlock
	for _, o := range outcomes {
		if src := strings.TrimSpace(o.block.Source); src != "" {
			decisions[src] = append(decisions[src], o.decision)
		}
		// Resolved conditionals never reach the prompt: the branch is
		// applied, ignored, or turned into a clarification request.
		if o.decision != DecisionIgnore {
			judgeRules = append(judgeRules, InstructionBlock{
				ID:       o.block.ID + ":decision",
				Source:   o.block.Source,
				Target:   TargetJudge,
				Kind:     KindRule,
				Priority: o.block.Priority,
				Text: fmt.Sprintf("Условный блок %s был оценён как decision=%s. "+
					"Проверь, что ответ не противоречит этому решению и не содержит утверждений из другой ветки.", o.block.ID, o.decision),
			})
		}
		applied = append(applied, o.applied...)
	}

	var keep []InstructionBlock
	for _, b := range tc.Blocks {
		if b.Kind == KindConditional && b.Target == TargetAgent {
			continue
		}
		keep = append(keep, b)
	}
	tc.Blocks = append(append(keep, judgeRules...), applied...)
	return decisions, sourcesWithCondition, nil
}

func headOf(items []string, n int) []string {
	if items == nil {
		return []string{}
	}
	if len(items) > n {
		return items[:n]
	}
	return items
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
