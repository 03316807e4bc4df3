package sgr

import (
	"fmt"

	"supportagent/internal/scenario"
)

// ConvertRequest is a plain-text scenario description to turn into a
// Definition. Only Text is required.
type ConvertRequest struct {
	Text              string `json:"text"`
	NameHint          string `json:"name_hint,omitempty"`
	Strict            bool   `json:"strict"`
	ReturnDiagnostics bool   `json:"return_diagnostics"`
}

// ConvertResult carries the assembled scenario plus conversion metadata.
type ConvertResult struct {
	Scenario    *scenario.Definition `json:"scenario"`
	Diagnostics map[string]any       `json:"diagnostics"`
	Questions   []string             `json:"questions"`
}

// ConvertError reports which conversion step failed, with enough
// context to debug the run from its trace directory.
type ConvertError struct {
	TraceID     string         `json:"trace_id"`
	FailedStep  string         `json:"failed_step"`
	Diagnostics map[string]any `json:"diagnostics"`
	LastLLMRaw  string         `json:"last_llm_raw"`

	err error
}

func (e *ConvertError) Error() string {
	return fmt.Sprintf("sgr convert failed at %s trace=%s", e.FailedStep, e.TraceID)
}

func (e *ConvertError) Unwrap() error { return e.err }

// intent is one atomic behavior change extracted from the input text.
type intent struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type step1ExtractIntents struct {
	NormalizedText string   `json:"normalized_text"`
	Intents        []intent `json:"intents"`
	Questions      []string `json:"questions"`
}

// conditionGate routes intent ids to the then/else branch of one
// condition.
type conditionGate struct {
	ID            string   `json:"id"`
	ConditionText string   `json:"condition_text"`
	ThenIntents   []string `json:"then_intents"`
	ElseIntents   []string `json:"else_intents"`
}

type step2GateAndCritique struct {
	Intents              []intent        `json:"intents"`
	UnconditionalIntents []string        `json:"unconditional_intents"`
	Conditions           []conditionGate `json:"conditions"`
	Questions            []string        `json:"questions"`
}

// missingTool records a capability the text needs but the registry
// does not provide. It is diagnostics only, never a scenario node.
type missingTool struct {
	Name         string         `json:"name"`
	Reason       string         `json:"reason"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

type templatePlan struct {
	ID            string `json:"id"`
	Target        string `json:"target"` // global, condition_then, condition_else
	ConditionID   string `json:"condition_id,omitempty"`
	Text          string `json:"text"`
	DependsOnTool string `json:"depends_on_tool,omitempty"`
}

type step3ToolsAndTemplates struct {
	ToolsToCall  []string       `json:"tools_to_call"`
	MissingTools []missingTool  `json:"missing_tools"`
	Templates    []templatePlan `json:"templates"`
	Questions    []string       `json:"questions"`
}
