package engine

// Target says which LLM an instruction block is addressed to.
type Target string

const (
	TargetAgent Target = "agent"
	TargetJudge Target = "judge"
)

// Kind is the lifecycle stage of an instruction block. Scenario text
// starts as raw, conditionals are resolved during decide, and the
// summarizer compresses surviving raw blocks into required imperatives.
type Kind string

const (
	KindRaw         Kind = "raw"
	KindConditional Kind = "conditional"
	KindRequired    Kind = "required"
	KindRule        Kind = "rule"
)

// ConditionPayload carries an unresolved conditional branch: the author's
// condition text plus both branches rendered against current facts.
type ConditionPayload struct {
	ConditionID string   `json:"condition_id"`
	Condition   string   `json:"condition"`
	WhenTrue    []string `json:"when_true"`
	WhenFalse   []string `json:"when_false"`
}

// ApplyPolicy is the fixed set of gates explaining to the model when a
// conditional block may be applied. Rendered verbatim into prompts.
var ApplyPolicy = [4]string{
	"Если сообщение не относится к теме условия — игнорируй блок полностью.",
	"Считай условие TRUE только если из сообщения явно следует, что условие выполняется.",
	"Считай условие FALSE только если из сообщения явно следует, что условие НЕ выполняется, но тема та же.",
	"Если упомянута тема, но непонятно TRUE/FALSE — не применяй when_false по умолчанию и лучше игнорируй блок.",
}

// InstructionBlock is the normalized unit of guidance produced by the
// scenario engine. Condition is set only for kind=conditional.
type InstructionBlock struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Target    Target            `json:"target"`
	Kind      Kind              `json:"kind"`
	Priority  int               `json:"priority"`
	Text      string            `json:"text,omitempty"`
	Condition *ConditionPayload `json:"condition_payload,omitempty"`
}

// AppliedRef records a scenario whose compressed instructions survived
// into the final prompt.
type AppliedRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ToolsContext is the per-turn working set owned by the pipeline.
type ToolsContext struct {
	Facts   map[string]map[string]any `json:"facts"`
	Blocks  []InstructionBlock        `json:"instruction_blocks"`
	Applied []AppliedRef              `json:"applied"`
}

func NewToolsContext() *ToolsContext {
	return &ToolsContext{Facts: map[string]map[string]any{}}
}

// RequiredAgentTexts lists the texts of required agent blocks in order.
func (tc *ToolsContext) RequiredAgentTexts() []string {
	var out []string
	for _, b := range tc.Blocks {
		if b.Target == TargetAgent && b.Kind == KindRequired && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

// JudgeRuleTexts lists the texts of judge rule blocks in order.
func (tc *ToolsContext) JudgeRuleTexts() []string {
	var out []string
	for _, b := range tc.Blocks {
		if b.Target == TargetJudge && b.Kind == KindRule && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}
