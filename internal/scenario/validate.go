package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "code"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "code": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "meta": {"type": "object"},
    "enabled": {"type": "boolean"},
    "summary": {"type": "string"},
    "admin_message": {"type": "string"}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["text", "tool", "if", "end"]},
        "text": {"type": "string"},
        "tool": {"type": "string"},
        "condition": {"type": "string"},
        "children": {"type": "array", "items": {"$ref": "#/$defs/node"}},
        "else_children": {"type": "array", "items": {"$ref": "#/$defs/node"}}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("scenario_definition.json", definitionSchema)

// ParseDefinition decodes and validates a scenario payload. Shape errors
// come from the JSON schema, semantic errors from Validate.
func ParseDefinition(raw []byte) (*Definition, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("scenario shape: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks semantic invariants the schema cannot express: node
// ids unique within the scenario and if-nodes carrying a condition.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("scenario name is empty")
	}
	seen := map[string]bool{}
	return validateNodes(d.Code, seen)
}

func validateNodes(nodes []Node, seen map[string]bool) error {
	for i := range nodes {
		n := &nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node without id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		switch n.Type {
		case NodeText, NodeTool, NodeEnd:
		case NodeIf:
			if strings.TrimSpace(n.Condition) == "" {
				return fmt.Errorf("if node %q has empty condition", n.ID)
			}
		default:
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		if err := validateNodes(n.Children, seen); err != nil {
			return err
		}
		if err := validateNodes(n.ElseChildren, seen); err != nil {
			return err
		}
	}
	return nil
}
