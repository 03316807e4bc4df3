// Package sgr converts free-form scenario descriptions into executable
// scenario definitions through a staged LLM chain: extract intents,
// critique and gate them into conditions, match tools and templates,
// then assemble the node tree deterministically.
package sgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"supportagent/internal/llm"
	"supportagent/internal/tools"
)

const (
	stepExtractIntents    = "01_extract_intents"
	stepGateAndCritique   = "02_gate_and_critique"
	stepToolsAndTemplates = "03_tools_and_templates"
	stepAssembleScenario  = "04_assemble_scenario"
	stepStaticValidation  = "10_static_validation"
)

const defaultStepTimeout = 35 * time.Second

var step1Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "normalized_text": {"type": "string"},
    "intents": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"id": {"type": "string"}, "text": {"type": "string"}},
        "required": ["id", "text"]
      }
    },
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["normalized_text", "intents", "questions"],
  "additionalProperties": false
}`)

var step2Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "intents": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"id": {"type": "string"}, "text": {"type": "string"}},
        "required": ["id", "text"]
      }
    },
    "unconditional_intents": {"type": "array", "items": {"type": "string"}},
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "condition_text": {"type": "string"},
          "then_intents": {"type": "array", "items": {"type": "string"}},
          "else_intents": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["id", "condition_text", "then_intents", "else_intents"]
      }
    },
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["intents", "unconditional_intents", "conditions", "questions"],
  "additionalProperties": false
}`)

var step3Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "tools_to_call": {"type": "array", "items": {"type": "string"}},
    "missing_tools": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "reason": {"type": "string"},
          "input_schema": {"type": "object"},
          "output_schema": {"type": "object"}
        },
        "required": ["name", "reason"]
      }
    },
    "templates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "target": {"type": "string", "enum": ["global", "condition_then", "condition_else"]},
          "condition_id": {"type": "string"},
          "text": {"type": "string"},
          "depends_on_tool": {"type": "string"}
        },
        "required": ["id", "target", "text"]
      }
    },
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["tools_to_call", "missing_tools", "templates", "questions"],
  "additionalProperties": false
}`)

const step1System = "Ты — конвертер SGR (plain text -> атомарные намерения).\n" +
	"Задача: 1) нормализовать вход (без потери смысла), 2) выделить атомарные намерения изменить поведение агента.\n" +
	"Требования:\n" +
	"- 1 намерение = 1 intent.text (не склеивай через \\n).\n" +
	"- Пиши как инструкции агенту в повелительном наклонении (например: \"Скажи привет\").\n" +
	"- Не придумывай факты/инструменты.\n" +
	"- Не добавляй намерения вида \"Определить/Проверить ...\" если это просто проверка условия по словам пользователя.\n" +
	"- Не добавляй эмодзи.\n" +
	"- questions добавляй только если без уточнения НЕЛЬЗЯ построить сценарий; не задавай вопросы типа \"как определить\".\n" +
	"Верни СТРОГО JSON-объект формата:\n" +
	"{\n" +
	"  \"normalized_text\": \"...\",\n" +
	"  \"intents\": [{\"id\":\"i1\",\"text\":\"...\"}],\n" +
	"  \"questions\": []\n" +
	"}\n"

const step2System = "Ты — модуль self-critique + gating для SGR.\n" +
	"Задача:\n" +
	"1) Проверь intents на полноту и непересечения относительно original_text.\n" +
	"2) Если нужно — исправь/переформулируй intents (но не добавляй факты).\n" +
	"3) Найди условия применения (если/иначе) и разложи на conditions.\n" +
	"Правила:\n" +
	"- condition_text пиши как понятную фразу для движка (предпочитай: 'Пользователь написал в чат что ...').\n" +
	"- Не добавляй отдельные intents вида \"Определить/Проверить ...\" если это просто проверка condition по словам пользователя.\n" +
	"- questions добавляй только если без уточнения НЕЛЬЗЯ построить сценарий; не задавай вопросы типа \"как определить\".\n" +
	"Верни СТРОГО JSON-объект формата:\n" +
	"{\n" +
	"  \"intents\": [{\"id\":\"i1\",\"text\":\"...\"}],\n" +
	"  \"unconditional_intents\": [\"i1\"],\n" +
	"  \"conditions\": [{\"id\":\"c1\",\"condition_text\":\"...\",\"then_intents\":[\"i1\"],\"else_intents\":[\"i2\"]}],\n" +
	"  \"questions\": []\n" +
	"}\n"

const step3System = "Ты — модуль knowledge-gap analysis + tool matching + templates для SGR.\n" +
	"Задача:\n" +
	"1) Сматчи на доступные tools (используй ТОЛЬКО имена из available_tools).\n" +
	"2) Если нужного tool нет — добавь в missing_tools (НЕ выдумывай вызов в сценарии).\n" +
	"3) Если текстовые инструкции должны подставлять результаты tool через шаблон {=@tool.field=} — добавь templates.\n" +
	"Правила:\n" +
	"- tools_to_call: только из available_tools.\n" +
	"- templates: каждый шаблон — отдельная инструкция агенту (без эмодзи), не оформляй как markdown.\n" +
	"- target=condition_then/condition_else требует condition_id.\n" +
	"- Не задавай вопросы типа \"как определить\" для условий, которые проверяются по словам пользователя.\n" +
	"Верни СТРОГО JSON-объект формата:\n" +
	"{\n" +
	"  \"tools_to_call\": [\"get_user_data\"],\n" +
	"  \"missing_tools\": [{\"name\":\"award_bonus_points\",\"reason\":\"...\",\"input_schema\":{},\"output_schema\":{}}],\n" +
	"  \"templates\": [{\"id\":\"t1\",\"target\":\"global|condition_then|condition_else\",\"condition_id\":\"c1\",\"text\":\"...\",\"depends_on_tool\":\"get_user_data\"}],\n" +
	"  \"questions\": []\n" +
	"}\n"

// Config tunes the converter. Zero values fall back to defaults.
type Config struct {
	Model      string
	Timeout    time.Duration // per step
	TraceDir   string
	LogPrompts bool
}

// Converter runs the conversion chain against an LLM caller.
type Converter struct {
	llm llm.Caller
	cfg Config
}

func New(caller llm.Caller, cfg Config) *Converter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStepTimeout
	}
	return &Converter{llm: caller, cfg: cfg}
}

type stepTrace struct {
	Step         string  `json:"step"`
	DurationS    float64 `json:"duration_s"`
	Model        string  `json:"model"`
	RequestPath  string  `json:"request_path,omitempty"`
	ResponsePath string  `json:"response_path,omitempty"`
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Convert turns req.Text into a validated scenario definition. Failures
// come back as *ConvertError with the step name and trace id.
func (c *Converter) Convert(ctx context.Context, req ConvertRequest, available []tools.Spec) (*ConvertResult, error) {
	traceID := newTraceID()
	tr := newTracer(c.cfg.TraceDir, traceID)

	toolSpecs := promptToolSpecs(available)
	toolNames := map[string]bool{}
	for _, s := range available {
		if s.Name != "" {
			toolNames[s.Name] = true
		}
	}

	traceInput := map[string]any{
		"trace_id":           traceID,
		"text":               req.Text,
		"name_hint":          req.NameHint,
		"strict":             req.Strict,
		"return_diagnostics": req.ReturnDiagnostics,
		"model":              c.cfg.Model,
		"timeout_s":          c.cfg.Timeout.Seconds(),
		"available_tools":    toolSpecs,
	}
	tr.write("00_convert_request.json", traceInput)

	var (
		stepTraces  []stepTrace
		bundleSteps []map[string]any
		lastRaw     string
	)

	// Step 1: normalize the text and extract atomic intents.
	var s1 step1ExtractIntents
	user1 := fmt.Sprintf("strict=%t\ntext:\n%s\n", req.Strict, req.Text)
	st, raw, bundle, err := c.runStep(ctx, tr, traceID, stepExtractIntents, step1System, user1, "sgr_extract_intents", step1Schema, &s1)
	lastRaw = raw
	if err != nil {
		return nil, c.fail(tr, traceID, stepExtractIntents, stepTraces, lastRaw, err)
	}
	stepTraces = append(stepTraces, st)
	bundleSteps = append(bundleSteps, bundle)
	s1.NormalizedText = cleanText(s1.NormalizedText)
	for i := range s1.Intents {
		s1.Intents[i].Text = cleanText(s1.Intents[i].Text)
	}
	s1.Questions = filterQuestions(s1.Questions)

	// Step 2: self-critique and split into unconditional vs gated intents.
	var s2 step2GateAndCritique
	user2 := fmt.Sprintf("strict=%t\noriginal_text:\n%s\n\nnormalized_text:\n%s\n\nintents:\n%s\n",
		req.Strict, req.Text, s1.NormalizedText, mustIndentJSON(s1.Intents))
	st, raw, bundle, err = c.runStep(ctx, tr, traceID, stepGateAndCritique, step2System, user2, "sgr_gate_and_critique", step2Schema, &s2)
	lastRaw = raw
	if err != nil {
		return nil, c.fail(tr, traceID, stepGateAndCritique, stepTraces, lastRaw, err)
	}
	stepTraces = append(stepTraces, st)
	bundleSteps = append(bundleSteps, bundle)
	for i := range s2.Intents {
		s2.Intents[i].Text = cleanText(s2.Intents[i].Text)
	}
	for i := range s2.Conditions {
		s2.Conditions[i].ConditionText = cleanText(s2.Conditions[i].ConditionText)
	}
	s2.Questions = filterQuestions(s2.Questions)
	if len(s2.Conditions) > 0 {
		// Meta-intents like "проверь, день рождения ли" duplicate the
		// condition itself and must not fire unconditionally.
		intentByID := map[string]intent{}
		for _, it := range s2.Intents {
			intentByID[it.ID] = it
		}
		kept := s2.UnconditionalIntents[:0]
		for _, iid := range s2.UnconditionalIntents {
			if it, ok := intentByID[iid]; ok && !looksLikeConditionCheck(it.Text) {
				kept = append(kept, iid)
			}
		}
		s2.UnconditionalIntents = kept
	}

	// Step 3: match tools and plan substitution templates.
	var s3 step3ToolsAndTemplates
	user3 := fmt.Sprintf("strict=%t\navailable_tools:\n%s\n\nintents:\n%s\n\nconditions:\n%s\n",
		req.Strict, mustIndentJSON(toolSpecs), mustIndentJSON(s2.Intents), mustIndentJSON(s2.Conditions))
	st, raw, bundle, err = c.runStep(ctx, tr, traceID, stepToolsAndTemplates, step3System, user3, "sgr_tools_and_templates", step3Schema, &s3)
	lastRaw = raw
	if err != nil {
		return nil, c.fail(tr, traceID, stepToolsAndTemplates, stepTraces, lastRaw, err)
	}
	stepTraces = append(stepTraces, st)
	bundleSteps = append(bundleSteps, bundle)
	s3.Questions = filterQuestions(s3.Questions)
	for i := range s3.Templates {
		s3.Templates[i].Text = cleanText(s3.Templates[i].Text)
	}
	for i := range s3.MissingTools {
		s3.MissingTools[i].Reason = cleanText(s3.MissingTools[i].Reason)
	}

	// The model must not invent tool names.
	toolsToCallBefore := append([]string(nil), s3.ToolsToCall...)
	for i := range s3.Templates {
		if s3.Templates[i].DependsOnTool != "" && !toolNames[s3.Templates[i].DependsOnTool] {
			s3.Templates[i].DependsOnTool = ""
		}
	}
	keptMissing := s3.MissingTools[:0]
	for _, m := range s3.MissingTools {
		if strings.TrimSpace(m.Name) != "" {
			keptMissing = append(keptMissing, m)
		}
	}
	s3.MissingTools = keptMissing
	keptTemplates := s3.Templates[:0]
	for _, t := range s3.Templates {
		if strings.TrimSpace(t.Text) != "" {
			keptTemplates = append(keptTemplates, t)
		}
	}
	s3.Templates = keptTemplates

	// Call every tool referenced by {=@tool.field=} even when the model
	// forgot to list it.
	var needed []string
	seen := map[string]bool{}
	addTool := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		needed = append(needed, name)
	}
	for _, name := range s3.ToolsToCall {
		addTool(name)
	}
	for _, t := range s3.Templates {
		addTool(t.DependsOnTool)
		for _, name := range toolRefs(t.Text) {
			addTool(name)
		}
	}
	for _, it := range s2.Intents {
		for _, name := range toolRefs(it.Text) {
			addTool(name)
		}
	}
	s3.ToolsToCall = nil
	for _, name := range needed {
		if toolNames[name] {
			s3.ToolsToCall = append(s3.ToolsToCall, name)
		}
	}

	// Step 4 is deterministic, no LLM.
	def, err := assembleScenario(traceID, req.Text, req.NameHint, textHasExplicitNoopElse(req.Text), req.Strict, &s2, &s3)
	if err != nil {
		return nil, c.fail(tr, traceID, stepAssembleScenario, stepTraces, lastRaw, err)
	}

	questions := filterQuestions(concatQuestions(s1.Questions, s2.Questions, s3.Questions))

	diagnostics := map[string]any{"trace_id": traceID}
	if req.ReturnDiagnostics {
		diagnostics["llm_steps"] = stepTraces
		diagnostics["strict"] = req.Strict
		diagnostics["available_tools"] = briefToolSpecs(available)
		diagnostics["intermediate"] = map[string]any{
			"step1": s1,
			"step2": s2,
			"step3": s3,
		}
		diagnostics["missing_tools"] = s3.MissingTools
		diagnostics["transforms"] = map[string]any{
			"filter_tools_to_call": map[string]any{
				"allowed_tool_names": sortedKeys(toolNames),
				"before":             toolsToCallBefore,
				"after":              append([]string(nil), s3.ToolsToCall...),
			},
		}
	}

	if err := validateScenario(def, req.Text); err != nil {
		diag := map[string]any{}
		for k, v := range diagnostics {
			diag[k] = v
		}
		diag["error"] = err.Error()
		return nil, &ConvertError{TraceID: traceID, FailedStep: stepStaticValidation, Diagnostics: diag, LastLLMRaw: "", err: err}
	}
	if req.ReturnDiagnostics {
		for k, v := range templateDiagnostics(def, available) {
			diagnostics[k] = v
		}
	}

	result := &ConvertResult{Scenario: def, Diagnostics: diagnostics, Questions: questions}
	tr.write("99_convert_result.json", result)
	tr.write("trace_bundle.json", map[string]any{
		"trace_id": traceID,
		"input":    traceInput,
		"steps":    bundleSteps,
		"final":    result,
	})
	return result, nil
}

func (c *Converter) runStep(ctx context.Context, tr *tracer, traceID, step, system, user, schemaName string, schema json.RawMessage, out any) (stepTrace, string, map[string]any, error) {
	started := time.Now()
	reqPayload := map[string]any{
		"model":     c.cfg.Model,
		"timeout_s": c.cfg.Timeout.Seconds(),
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	reqPath := tr.write(step+".request.json", reqPayload)
	if c.cfg.LogPrompts {
		slog.Info("sgr step start", "trace", traceID, "step", step, "request_path", reqPath)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	msgs := []llm.Message{llm.System(system), llm.User(user)}
	obj, err := c.llm.ChatJSON(sctx, msgs, schemaName, schema, llm.CallOpts{Model: c.cfg.Model})

	raw := ""
	if obj != nil {
		if b, merr := json.Marshal(obj); merr == nil {
			raw = string(b)
		}
	}
	if err == nil {
		err = llm.DecodeInto(obj, out)
	}
	duration := time.Since(started).Seconds()
	if err != nil {
		if c.cfg.LogPrompts {
			slog.Info("sgr step error", "trace", traceID, "step", step, "duration_s", duration, "error", err)
		}
		return stepTrace{}, raw, nil, err
	}

	respPayload := map[string]any{
		"parsed_json":      obj,
		"validated_output": out,
	}
	respPath := tr.write(step+".response.json", respPayload)
	if c.cfg.LogPrompts {
		slog.Info("sgr step end", "trace", traceID, "step", step, "duration_s", duration, "response_path", respPath)
	}

	st := stepTrace{
		Step:         step,
		DurationS:    duration,
		Model:        c.cfg.Model,
		RequestPath:  reqPath,
		ResponsePath: respPath,
	}
	bundle := map[string]any{
		"step":       step,
		"duration_s": duration,
		"request":    reqPayload,
		"response":   respPayload,
	}
	return st, raw, bundle, nil
}

func (c *Converter) fail(tr *tracer, traceID, step string, steps []stepTrace, lastRaw string, err error) *ConvertError {
	tr.write("98_error.json", map[string]any{
		"trace_id":    traceID,
		"failed_step": step,
		"error":       err.Error(),
	})
	diag := map[string]any{
		"trace_id":  traceID,
		"llm_steps": steps,
		"error":     err.Error(),
	}
	return &ConvertError{TraceID: traceID, FailedStep: step, Diagnostics: diag, LastLLMRaw: lastRaw, err: err}
}

// promptToolSpecs shapes registry specs for the step prompts: name,
// description, and the sorted output field names.
func promptToolSpecs(available []tools.Spec) []map[string]any {
	specs := make([]map[string]any, 0, len(available))
	for _, s := range available {
		var fields []string
		if props, ok := s.OutputSchema["properties"].(map[string]any); ok {
			for name := range props {
				fields = append(fields, name)
			}
			sort.Strings(fields)
		}
		if fields == nil {
			fields = []string{}
		}
		specs = append(specs, map[string]any{
			"name":          s.Name,
			"description":   s.Description,
			"output_fields": fields,
		})
	}
	return specs
}

func briefToolSpecs(available []tools.Spec) []map[string]any {
	out := make([]map[string]any, 0, len(available))
	for _, s := range available {
		out = append(out, map[string]any{"name": s.Name, "description": s.Description})
	}
	return out
}

func concatQuestions(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	return all
}

func mustIndentJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}
