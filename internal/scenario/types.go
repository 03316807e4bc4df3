package scenario

import (
	"encoding/json"
	"strconv"
	"strings"
)

// NodeType enumerates the node kinds a scenario program is built from.
type NodeType string

const (
	NodeText NodeType = "text" // instructions or extra context for the model
	NodeTool NodeType = "tool" // tool invocation, result cached for templates
	NodeIf   NodeType = "if"   // conditional branch with children/else_children
	NodeEnd  NodeType = "end"  // terminates the enclosing sequence
)

// Node is a single node of a JSON-coded scenario. Children recurse for
// if-nodes; dotted ids define execution order.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Condition string `json:"condition,omitempty"`

	Children     []Node `json:"children,omitempty"`
	ElseChildren []Node `json:"else_children,omitempty"`
}

// Definition is a top-level scenario loaded from disk or the API.
type Definition struct {
	Name string `json:"name"`
	Code []Node `json:"code"`
	// Optional policy metadata, e.g. apply_only_message_index.
	Meta map[string]any `json:"meta,omitempty"`
	// Scenarios can be toggled without deletion.
	Enabled bool `json:"enabled"`
	// UI metadata.
	Summary      string `json:"summary,omitempty"`
	AdminMessage string `json:"admin_message,omitempty"`
}

// UnmarshalJSON defaults enabled to true when the field is absent.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type alias Definition
	tmp := alias{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*d = Definition(tmp)
	return nil
}

// ApplyOnlyMessageIndex returns the meta gate value if set and integral.
func (d *Definition) ApplyOnlyMessageIndex() (int, bool) {
	raw, ok := d.Meta["apply_only_message_index"]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// SortKey converts a dotted node id to its integer tuple. Non-numeric
// segments count as zero so malformed ids still sort deterministically.
func SortKey(id string) []int {
	parts := strings.Split(id, ".")
	key := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = 0
		}
		key[i] = n
	}
	return key
}

// LessID orders dotted ids by their integer tuples, shorter first on ties.
func LessID(a, b string) bool {
	ka, kb := SortKey(a), SortKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return len(ka) < len(kb)
}
