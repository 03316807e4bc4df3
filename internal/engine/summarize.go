package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"supportagent/internal/llm"
	"supportagent/internal/memory"
)

var imperativesSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["agent_imperatives", "judge_rules"],
  "properties": {
    "agent_imperatives": {"type": "array", "items": {"type": "string"}},
    "judge_rules": {"type": "array", "items": {"type": "string"}}
  }
}`)

const imperativesSystem = "Ты — модуль сжатия сценария поддержки в короткие imperative-инструкции для основного агента.\n" +
	"На входе: куски текста сценария (после подстановок) и контекст о пользователе.\n" +
	"На выходе: короткие обязательные инструкции, без пояснений и лишнего текста.\n" +
	"Инструкции должны сохранять смысл сценария и быть применимыми при ответе на текущее сообщение пользователя.\n" +
	"Если сценарий не добавляет ничего полезного для ответа — верни пустой список.\n" +
	"Верни СТРОГО JSON:\n" +
	"{\n" +
	"  \"agent_imperatives\": [\"...\"],\n" +
	"  \"judge_rules\": [\"...\"]\n" +
	"}\n" +
	"Правила:\n" +
	"- agent_imperatives: 0..8 строк, каждая — короткая команда (imperative), без воды.\n" +
	"- judge_rules: 0..8 строк, правила для LLM-судьи (как проверять ответ), без воды.\n" +
	"- Не повторяй исходный текст сценария дословно, если он болтливый — сжимай.\n" +
	"- Не добавляй новых фактов.\n" +
	"- Если известно имя пользователя — требуй обращения по имени и укажи само имя.\n" +
	"- Не используй эмодзи.\n"

const maxImperatives = 8

// summarizeOne compresses one scenario's raw texts into imperatives and
// judge rules. An empty or failed model answer falls back to the first
// three original lines verbatim.
func (e *Engine) summarizeOne(ctx context.Context, state *memory.ConversationState, userMessage, source string, texts []string) ([]string, []string) {
	var lines []string
	for i, t := range headOf(texts, 50) {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, t))
	}
	age := ""
	if state.UserProfile.Age != nil {
		age = fmt.Sprintf("%d", *state.UserProfile.Age)
	}
	user := fmt.Sprintf(
		"Сценарий: %s\n\nПоследнее сообщение пользователя:\n%s\n\nИзвестные факты о пользователе:\n- name: %s\n- age: %s\nКуски сценария (после подстановок):\n%s",
		source, userMessage, state.UserProfile.Name, age, strings.Join(lines, "\n"),
	)

	var imperatives, rules []string
	data, err := e.llm.ChatJSON(ctx,
		[]llm.Message{llm.System(imperativesSystem), llm.User(user)},
		"scenario_imperatives", imperativesSchema,
		llm.CallOpts{Model: e.conditionModel},
	)
	if err != nil {
		slog.Warn("scenario summarize failed", "scenario", source, "error", err)
	} else {
		imperatives = cleanStrings(data["agent_imperatives"])
		rules = cleanStrings(data["judge_rules"])
	}

	if len(imperatives) == 0 {
		for _, t := range texts {
			if t = strings.TrimSpace(t); t != "" {
				imperatives = append(imperatives, t)
			}
			if len(imperatives) == 3 {
				break
			}
		}
	}
	if len(imperatives) > maxImperatives {
		imperatives = imperatives[:maxImperatives]
	}
	if len(rules) > maxImperatives {
		rules = rules[:maxImperatives]
	}
	return imperatives, rules
}

// summarizeToImperatives applies the per-scenario enable policy, fans
// out summarization across scenarios and replaces surviving raw blocks
// with required imperatives plus judge rules. Finally it rebuilds the
// applied list from the scenarios whose required blocks survived.
func (e *Engine) summarizeToImperatives(
	ctx context.Context,
	tc *ToolsContext,
	state *memory.ConversationState,
	userMessage string,
	scenarioNames []string,
	decisions map[string][]Decision,
	sourcesWithCondition map[string]bool,
) error {
	decisionSet := func(source string) map[Decision]bool {
		set := map[Decision]bool{}
		for _, d := range decisions[source] {
			set[d] = true
		}
		return set
	}

	enabledForSummarize := map[string]bool{}
	enabledOverall := map[string]bool{}
	for _, name := range scenarioNames {
		set := decisionSet(name)
		switch {
		case set[DecisionTrue] || set[DecisionFalse]:
			enabledForSummarize[name] = true
			enabledOverall[name] = true
		case set[DecisionUnknown]:
			// Only the followup and its judge rules survive.
			enabledOverall[name] = true
		case !sourcesWithCondition[name]:
			enabledForSummarize[name] = true
			enabledOverall[name] = true
		}
		// ignore-only: the scenario contributes nothing at all.
	}

	mapped := map[string]bool{}
	for _, name := range scenarioNames {
		mapped[name] = true
	}

	blocks := tc.Blocks
	if len(scenarioNames) > 0 {
		var filtered []InstructionBlock
		for _, b := range blocks {
			src := strings.TrimSpace(b.Source)
			if mapped[src] && !enabledOverall[src] {
				continue
			}
			if mapped[src] && enabledOverall[src] && !enabledForSummarize[src] &&
				b.Target == TargetAgent && b.Kind == KindRaw {
				continue
			}
			filtered = append(filtered, b)
		}
		blocks = filtered
	}

	var rawBlocks []InstructionBlock
	for _, b := range blocks {
		if b.Target == TargetAgent && b.Kind == KindRaw && strings.TrimSpace(b.Text) != "" {
			rawBlocks = append(rawBlocks, b)
		}
	}
	if len(rawBlocks) == 0 {
		tc.Blocks = blocks
		tc.Applied = appliedRefs(blocks, mapped)
		return nil
	}

	bySource := map[string][]string{}
	var sourceOrder []string
	for _, b := range rawBlocks {
		src := strings.TrimSpace(b.Source)
		if src == "" {
			src = "unknown_scenario"
		}
		if mapped[src] && !enabledForSummarize[src] {
			continue
		}
		if _, ok := bySource[src]; !ok {
			sourceOrder = append(sourceOrder, src)
		}
		bySource[src] = append(bySource[src], strings.TrimSpace(b.Text))
	}

	type summarized struct {
		imperatives []string
		rules       []string
	}
	results := make([]summarized, len(sourceOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sourceOrder {
		g.Go(func() error {
			imperatives, rules := e.summarizeOne(gctx, state, userMessage, src, bySource[src])
			results[i] = summarized{imperatives: imperatives, rules: rules}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var out []InstructionBlock
	for _, b := range blocks {
		if b.Target == TargetAgent && b.Kind == KindRaw {
			continue
		}
		out = append(out, b)
	}
	for i, src := range sourceOrder {
		for idx, text := range results[i].imperatives {
			out = append(out, InstructionBlock{
				ID:       fmt.Sprintf("scenario:%s:imperative:%d", src, idx+1),
				Source:   src,
				Target:   TargetAgent,
				Kind:     KindRequired,
				Priority: 10,
				Text:     text,
			})
		}
		for idx, text := range results[i].rules {
			out = append(out, InstructionBlock{
				ID:       fmt.Sprintf("scenario:%s:judge_rule:summarized:%d", src, idx+1),
				Source:   src,
				Target:   TargetJudge,
				Kind:     KindRule,
				Priority: 10,
				Text:     text,
			})
		}
	}

	tc.Blocks = out
	tc.Applied = appliedRefs(out, mapped)
	slog.Info("scenario imperatives",
		"sources", sourceOrder,
		"raw_blocks", len(rawBlocks),
		"out_blocks", len(out))
	return nil
}

// appliedRefs lists the distinct mapped scenarios whose required agent
// blocks survived, sorted by name.
func appliedRefs(blocks []InstructionBlock, mapped map[string]bool) []AppliedRef {
	set := map[string]bool{}
	for _, b := range blocks {
		src := strings.TrimSpace(b.Source)
		if src != "" && mapped[src] && b.Target == TargetAgent && b.Kind == KindRequired {
			set[src] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	refs := make([]AppliedRef, len(names))
	for i, name := range names {
		refs[i] = AppliedRef{Kind: "scenario", Name: name}
	}
	return refs
}

func cleanStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
