package sgr

import (
	"fmt"
	"strconv"
	"strings"

	"supportagent/internal/scenario"
)

// atomicTextNodes splits branch texts into one text node per non-empty
// line. A single line keeps the plain branch id; several lines get a
// third id segment.
func atomicTextNodes(parentID string, branchIndex int, texts []string) []scenario.Node {
	var lines []string
	for _, t := range texts {
		for _, line := range strings.Split(t, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}
	if len(lines) == 0 {
		return nil
	}
	if len(lines) == 1 {
		return []scenario.Node{{
			ID:   fmt.Sprintf("%s.%d", parentID, branchIndex),
			Type: scenario.NodeText,
			Text: lines[0],
		}}
	}
	nodes := make([]scenario.Node, 0, len(lines))
	for i, line := range lines {
		nodes = append(nodes, scenario.Node{
			ID:   fmt.Sprintf("%s.%d.%d", parentID, branchIndex, i+1),
			Type: scenario.NodeText,
			Text: line,
		})
	}
	return nodes
}

// assembleScenario builds the Definition deterministically from the
// step outputs: tool calls first, then unconditional texts and global
// templates, then one if-node per condition, then end.
func assembleScenario(traceID, inputText, nameHint string, explicitElseNoop, strict bool, step2 *step2GateAndCritique, step3 *step3ToolsAndTemplates) (*scenario.Definition, error) {
	intentByID := map[string]intent{}
	for _, it := range step2.Intents {
		intentByID[it.ID] = it
	}

	var templatesGlobal, templatesThen, templatesElse []templatePlan
	for _, t := range step3.Templates {
		switch t.Target {
		case "global":
			templatesGlobal = append(templatesGlobal, t)
		case "condition_then":
			templatesThen = append(templatesThen, t)
		case "condition_else":
			templatesElse = append(templatesElse, t)
		}
	}

	var code []scenario.Node
	nextID := 1

	for _, name := range step3.ToolsToCall {
		code = append(code, scenario.Node{ID: strconv.Itoa(nextID), Type: scenario.NodeTool, Tool: name})
		nextID++
	}

	appendTextNodes := func(text string) {
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			code = append(code, scenario.Node{ID: strconv.Itoa(nextID), Type: scenario.NodeText, Text: line})
			nextID++
		}
	}

	for _, iid := range step2.UnconditionalIntents {
		if it, ok := intentByID[iid]; ok && strings.TrimSpace(it.Text) != "" {
			appendTextNodes(strings.TrimSpace(it.Text))
		}
	}
	for _, t := range templatesGlobal {
		if strings.TrimSpace(t.Text) != "" {
			appendTextNodes(strings.TrimSpace(t.Text))
		}
	}

	for _, cond := range step2.Conditions {
		parentID := strconv.Itoa(nextID)
		nextID++

		condText := strings.TrimSpace(cond.ConditionText)
		if condText == "" {
			return nil, fmt.Errorf("condition %s has empty condition_text", cond.ID)
		}

		var thenTexts []string
		for _, iid := range cond.ThenIntents {
			if it, ok := intentByID[iid]; ok && strings.TrimSpace(it.Text) != "" {
				thenTexts = append(thenTexts, strings.TrimSpace(it.Text))
			}
		}
		for _, t := range templatesThen {
			if t.ConditionID == cond.ID && strings.TrimSpace(t.Text) != "" {
				thenTexts = append(thenTexts, strings.TrimSpace(t.Text))
			}
		}

		var elseTexts []string
		for _, iid := range cond.ElseIntents {
			if it, ok := intentByID[iid]; ok && strings.TrimSpace(it.Text) != "" {
				elseTexts = append(elseTexts, strings.TrimSpace(it.Text))
			}
		}
		for _, t := range templatesElse {
			if t.ConditionID == cond.ID && strings.TrimSpace(t.Text) != "" {
				elseTexts = append(elseTexts, strings.TrimSpace(t.Text))
			}
		}

		children := atomicTextNodes(parentID, 1, thenTexts)
		if len(children) == 0 && strict {
			return nil, fmt.Errorf("condition %s has no then-actions (then_intents/templates empty)", cond.ID)
		}
		if children == nil {
			children = []scenario.Node{}
		}

		node := scenario.Node{
			ID:        parentID,
			Type:      scenario.NodeIf,
			Condition: condText,
			Children:  children,
		}
		if len(elseTexts) > 0 {
			node.ElseChildren = atomicTextNodes(parentID, 2, elseTexts)
		} else if explicitElseNoop {
			node.ElseChildren = []scenario.Node{}
		}
		code = append(code, node)
	}

	code = append(code, scenario.Node{ID: strconv.Itoa(nextID), Type: scenario.NodeEnd})

	def := &scenario.Definition{
		Name:    scenarioName(nameHint, inputText, traceID),
		Code:    code,
		Enabled: true,
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
