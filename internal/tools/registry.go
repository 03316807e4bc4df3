package tools

import (
	"log/slog"
	"sync"
)

// Func is a tool implementation. Tools take no arguments and return a
// JSON-shaped map.
type Func func() map[string]any

// Spec is tool metadata exposed to the UI and the scenario converter.
type Spec struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

type entry struct {
	spec Spec
	fn   Func
}

// Registry maps tool names to implementations plus their specs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]entry{}}
}

func (r *Registry) Register(spec Spec, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = entry{spec: spec, fn: fn}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Call invokes a tool. Unknown tools and panicking tools both yield an
// empty map; a scenario never fails because of a tool.
func (r *Registry) Call(name string) (out map[string]any) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || e.fn == nil {
		return map[string]any{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			out = map[string]any{}
		}
	}()
	if res := e.fn(); res != nil {
		return res
	}
	return map[string]any{}
}

// Specs returns tool metadata in no particular order; callers sort if
// they need stable output.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	return out
}

// Spec returns the metadata for one tool.
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.spec, ok
}
