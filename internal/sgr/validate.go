package sgr

import (
	"errors"
	"sort"
	"strings"

	"supportagent/internal/scenario"
	"supportagent/internal/tools"
)

func hasActionableNodes(nodes []scenario.Node) bool {
	for _, n := range nodes {
		switch n.Type {
		case scenario.NodeText, scenario.NodeTool, scenario.NodeIf:
			return true
		case scenario.NodeEnd:
			continue
		}
		if hasActionableNodes(n.Children) || hasActionableNodes(n.ElseChildren) {
			return true
		}
	}
	return false
}

func containsIf(nodes []scenario.Node) bool {
	for _, n := range nodes {
		if n.Type == scenario.NodeIf {
			return true
		}
		if containsIf(n.Children) || containsIf(n.ElseChildren) {
			return true
		}
	}
	return false
}

// validateScenario rejects conversions that lost the point of the
// input: nothing actionable, or a spelled-out condition with no
// if-node to carry it.
func validateScenario(def *scenario.Definition, inputText string) error {
	if !hasActionableNodes(def.Code) {
		return errors.New("scenario has no actionable nodes (only end or empty actions)")
	}
	if strings.Contains(strings.ToLower(inputText), "если") && !containsIf(def.Code) {
		return errors.New("input contains 'если' but scenario has no if-nodes")
	}
	return nil
}

// templateDiagnostics cross-checks {=...=} references in text nodes
// against the tool registry and each tool's output schema.
func templateDiagnostics(def *scenario.Definition, available []tools.Spec) map[string]any {
	specByName := map[string]tools.Spec{}
	for _, s := range available {
		specByName[s.Name] = s
	}

	referenced := map[string]bool{}
	unknownTools := map[string]bool{}
	unknownFields := map[string]bool{}
	invalidExprs := map[string]bool{}

	var visit func(nodes []scenario.Node)
	visit = func(nodes []scenario.Node) {
		for _, n := range nodes {
			if n.Type == scenario.NodeText && n.Text != "" {
				for _, expr := range templateRefs(n.Text) {
					if strings.HasPrefix(expr, "@") {
						inner := strings.TrimPrefix(expr, "@")
						parts := strings.SplitN(inner, ".", 2)
						name := strings.TrimSpace(parts[0])
						if name == "" {
							continue
						}
						referenced[name] = true
						spec, known := specByName[name]
						if !known {
							unknownTools[name] = true
							continue
						}
						if len(parts) == 2 {
							field := strings.TrimSpace(parts[1])
							if field != "" && !schemaHasField(spec.OutputSchema, field) {
								unknownFields[name+"."+field] = true
							}
						}
						continue
					}
					if strings.HasPrefix(expr, "dialog.") {
						continue
					}
					invalidExprs[expr] = true
				}
			}
			if n.Type == scenario.NodeIf {
				visit(n.Children)
				visit(n.ElseChildren)
			}
		}
	}
	visit(def.Code)

	return map[string]any{
		"template_refs": map[string]any{
			"referenced_tools":    sortedKeys(referenced),
			"unknown_tools":       sortedKeys(unknownTools),
			"unknown_fields":      sortedKeys(unknownFields),
			"invalid_expressions": sortedKeys(invalidExprs),
		},
	}
}

func schemaHasField(outputSchema map[string]any, field string) bool {
	props, ok := outputSchema["properties"].(map[string]any)
	if !ok {
		// No declared properties means nothing to check against.
		return true
	}
	_, ok = props[field]
	return ok
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
