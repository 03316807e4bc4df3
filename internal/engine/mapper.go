package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"supportagent/internal/memory"
	"supportagent/internal/scenario"
	"supportagent/internal/tools"
)

// MapResult is the per-scenario output of the map phase.
type MapResult struct {
	ScenarioName string
	Facts        map[string]map[string]any
	Blocks       []InstructionBlock
}

var messageIndexPattern = regexp.MustCompile(`(?i)\b(?:dialog\.)?message_index\s*(==|!=|<=|>=|<|>)\s*(\d+)\b`)

// evalMessageIndexCondition decides a condition deterministically when,
// and only when, it is a comparison against dialog.message_index. That
// covers an explicit comparison and the idiomatic Russian phrasings for
// "first message" / "not first message". The second return reports
// whether a decision was made.
func evalMessageIndexCondition(condition string, messageIndex int) (bool, bool) {
	text := strings.TrimSpace(condition)
	if text == "" {
		return false, false
	}

	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "не перв") && strings.Contains(lowered, "сообщ") {
		return messageIndex != 1, true
	}
	if strings.Contains(lowered, "перв") && strings.Contains(lowered, "сообщ") {
		return messageIndex == 1, true
	}

	m := messageIndexPattern.FindStringSubmatch(text)
	if m == nil {
		return false, false
	}
	rhs, err := strconv.Atoi(m[2])
	if err != nil {
		return false, false
	}
	switch m[1] {
	case "==":
		return messageIndex == rhs, true
	case "!=":
		return messageIndex != rhs, true
	case "<":
		return messageIndex < rhs, true
	case "<=":
		return messageIndex <= rhs, true
	case ">":
		return messageIndex > rhs, true
	case ">=":
		return messageIndex >= rhs, true
	}
	return false, false
}

type mapper struct {
	state    *memory.ConversationState
	def      *scenario.Definition
	tools    *tools.Registry
	facts    map[string]map[string]any
	blocks   []InstructionBlock
}

// MapScenario executes one scenario against the conversation state and
// compiles it to facts plus instruction blocks. Returns nil when the
// scenario contributes nothing (meta gate or an empty run).
func MapScenario(state *memory.ConversationState, def *scenario.Definition, reg *tools.Registry) *MapResult {
	if gate, ok := def.ApplyOnlyMessageIndex(); ok && gate != state.MessageIndex {
		return nil
	}

	m := &mapper{state: state, def: def, tools: reg, facts: map[string]map[string]any{}}
	m.processNodes(def.Code)

	if len(m.blocks) == 0 && len(m.facts) == 0 {
		return nil
	}
	return &MapResult{ScenarioName: def.Name, Facts: m.facts, Blocks: m.blocks}
}

// processNodes walks a node sequence in id order. Returns true when an
// end node halted the whole scenario.
func (m *mapper) processNodes(nodes []scenario.Node) bool {
	ordered := make([]scenario.Node, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return scenario.LessID(ordered[i].ID, ordered[j].ID)
	})

	for _, node := range ordered {
		switch node.Type {
		case scenario.NodeEnd:
			return true
		case scenario.NodeTool:
			if node.Tool != "" {
				m.ensureToolData(node.Tool)
			}
		case scenario.NodeText:
			if node.Text != "" {
				m.addTextBlock(node.ID, node.Text)
			}
		case scenario.NodeIf:
			decided, ok := evalMessageIndexCondition(node.Condition, m.state.MessageIndex)
			if ok {
				branch := node.Children
				if !decided {
					branch = node.ElseChildren
				}
				if m.processNodes(branch) {
					return true
				}
				continue
			}
			m.addConditionalBlock(node)
		}
	}
	return false
}

// ensureToolData caches a tool result under tool:<name>. get_user_data
// is special: a populated profile short-circuits the call, and a fresh
// call backfills the profile.
func (m *mapper) ensureToolData(toolName string) {
	key := "tool:" + toolName
	if _, ok := m.facts[key]; ok {
		return
	}

	if toolName == "get_user_data" {
		profile := &m.state.UserProfile
		if profile.Name != "" && profile.Age != nil {
			m.facts[key] = map[string]any{"name": profile.Name, "age": *profile.Age}
			return
		}
	}

	data := m.tools.Call(toolName)
	m.facts[key] = data

	if toolName == "get_user_data" {
		profile := &m.state.UserProfile
		if profile.Name == "" {
			if name, ok := data["name"].(string); ok {
				profile.Name = name
			}
		}
		if profile.Age == nil {
			if age, ok := coerceInt(data["age"]); ok {
				profile.Age = &age
			}
		}
	}
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func (m *mapper) toolFacts() map[string]map[string]any {
	out := make(map[string]map[string]any, len(m.facts))
	for k, v := range m.facts {
		out[strings.TrimPrefix(k, "tool:")] = v
	}
	return out
}

func (m *mapper) addTextBlock(nodeID, text string) {
	m.blocks = append(m.blocks, InstructionBlock{
		ID:       fmt.Sprintf("scenario:%s:text:%s", m.def.Name, nodeID),
		Source:   m.def.Name,
		Target:   TargetAgent,
		Kind:     KindRaw,
		Priority: 10,
		Text:     RenderTemplate(text, m.state, m.toolFacts()),
	})
}

func (m *mapper) addConditionalBlock(node scenario.Node) {
	var whenTrue, whenFalse []string
	for _, child := range node.Children {
		if child.Type == scenario.NodeText && child.Text != "" {
			whenTrue = append(whenTrue, RenderTemplate(child.Text, m.state, m.toolFacts()))
		}
	}
	for _, child := range node.ElseChildren {
		if child.Type == scenario.NodeText && child.Text != "" {
			whenFalse = append(whenFalse, RenderTemplate(child.Text, m.state, m.toolFacts()))
		}
	}

	m.blocks = append(m.blocks,
		InstructionBlock{
			ID:       fmt.Sprintf("scenario:%s:if:%s", m.def.Name, node.ID),
			Source:   m.def.Name,
			Target:   TargetAgent,
			Kind:     KindConditional,
			Priority: 10,
			Condition: &ConditionPayload{
				ConditionID: node.ID,
				Condition:   node.Condition,
				WhenTrue:    whenTrue,
				WhenFalse:   whenFalse,
			},
		},
		InstructionBlock{
			ID:       fmt.Sprintf("scenario:%s:judge_rule:if:%s", m.def.Name, node.ID),
			Source:   m.def.Name,
			Target:   TargetJudge,
			Kind:     KindRule,
			Priority: 10,
			Text: "Проверь, что условные сценарные инструкции применены только при явном подтверждении в сообщении пользователя. " +
				"Не допускай применения when_false по умолчанию при неоднозначности.",
		},
	)
}
