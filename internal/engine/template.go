package engine

import (
	"fmt"
	"strings"

	"supportagent/internal/memory"
)

// Unresolved references render as this literal so the model naturally
// skips lines built around missing data.
const unresolvedToken = "finderror"

// RenderTemplate substitutes {=EXPR=} placeholders in scenario prose.
// Two namespaces exist: @tool / @tool.field resolves against tool facts
// (keys without the "tool:" prefix), dialog.name / dialog.age /
// dialog.message_index resolves against conversation state.
func RenderTemplate(text string, state *memory.ConversationState, toolFacts map[string]map[string]any) string {
	var sb strings.Builder
	rest := text
	for {
		open := strings.Index(rest, "{=")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		close_ := strings.Index(rest[open+2:], "=}")
		if close_ < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		sb.WriteString(rest[:open])
		expr := strings.TrimSpace(rest[open+2 : open+2+close_])
		sb.WriteString(evalExpr(expr, state, toolFacts))
		rest = rest[open+2+close_+2:]
	}
}

func evalExpr(expr string, state *memory.ConversationState, toolFacts map[string]map[string]any) string {
	if tool, ok := strings.CutPrefix(expr, "@"); ok {
		return evalToolExpr(tool, toolFacts)
	}
	if key, ok := strings.CutPrefix(expr, "dialog."); ok {
		return evalDialogExpr(key, state)
	}
	return unresolvedToken
}

func evalToolExpr(expr string, toolFacts map[string]map[string]any) string {
	name, field, hasField := strings.Cut(expr, ".")
	if name == "" {
		return unresolvedToken
	}
	data := toolFacts[name]
	if !hasField {
		if len(data) == 0 {
			return unresolvedToken
		}
		return fmt.Sprintf("%v", data)
	}
	value, ok := data[field]
	if !ok || value == nil {
		return unresolvedToken
	}
	return fmt.Sprintf("%v", value)
}

func evalDialogExpr(key string, state *memory.ConversationState) string {
	if state == nil {
		return unresolvedToken
	}
	switch key {
	case "name":
		if state.UserProfile.Name == "" {
			return unresolvedToken
		}
		return state.UserProfile.Name
	case "age":
		if state.UserProfile.Age == nil {
			return unresolvedToken
		}
		return fmt.Sprintf("%d", *state.UserProfile.Age)
	case "message_index":
		return fmt.Sprintf("%d", state.MessageIndex)
	default:
		return unresolvedToken
	}
}
