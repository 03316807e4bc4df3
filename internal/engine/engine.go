// Package engine compiles author-written scenarios into instruction
// blocks for one turn: map over enabled scenarios, merge the results,
// resolve conditional branches with an LLM, then compress surviving
// prose into short imperatives.
package engine

import (
	"context"

	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/scenario"
	"supportagent/internal/tools"
)

type Engine struct {
	registry       *scenario.Registry
	tools          *tools.Registry
	llm            llm.Caller
	conditionModel string
}

func New(registry *scenario.Registry, toolReg *tools.Registry, caller llm.Caller, conditionModel string) *Engine {
	return &Engine{registry: registry, tools: toolReg, llm: caller, conditionModel: conditionModel}
}

// Run executes the full map/reduce/decide/summarize chain and returns
// the turn's ToolsContext. State mutations (profile backfill from
// get_user_data) happen in place.
func (e *Engine) Run(ctx context.Context, state *memory.ConversationState, userMessage string) (*ToolsContext, error) {
	tc := NewToolsContext()

	scenarios := e.registry.Enabled()
	if len(scenarios) == 0 {
		return tc, nil
	}

	// Map runs sequentially: scenarios mutate the shared profile via
	// tool backfill, and the phase itself makes no LLM calls.
	results := make([]*MapResult, len(scenarios))
	for i, def := range scenarios {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = MapScenario(state, def, e.tools)
	}

	// Reduce: first writer wins per fact key, blocks keep scenario order.
	var scenarioNames []string
	for _, res := range results {
		if res == nil {
			continue
		}
		scenarioNames = append(scenarioNames, res.ScenarioName)
		for k, v := range res.Facts {
			if _, ok := tc.Facts[k]; !ok {
				tc.Facts[k] = v
			}
		}
		tc.Blocks = append(tc.Blocks, res.Blocks...)
	}

	decisions, sourcesWithCondition, err := e.decideConditions(ctx, tc, userMessage, state.MessageIndex)
	if err != nil {
		return nil, err
	}

	if err := e.summarizeToImperatives(ctx, tc, state, userMessage, scenarioNames, decisions, sourcesWithCondition); err != nil {
		return nil, err
	}
	return tc, nil
}
