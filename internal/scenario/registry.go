package scenario

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Registry holds the scenarios available to the agent. Read-mostly;
// All returns a detached snapshot so readers never observe a write.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{scenarios: map[string]*Definition{}}
}

func (r *Registry) Add(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenarios[def.Name] = def
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scenarios[name]; !ok {
		return false
	}
	delete(r.scenarios, name)
	return true
}

func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.scenarios[name]
	return def, ok
}

func (r *Registry) All() map[string]*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Definition, len(r.scenarios))
	for k, v := range r.scenarios {
		out[k] = v
	}
	return out
}

// Enabled returns the enabled scenarios in no particular order.
func (r *Registry) Enabled() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, def := range r.scenarios {
		if def.Enabled {
			out = append(out, def)
		}
	}
	return out
}

// SetEnabled toggles a scenario without removing it.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.scenarios[name]
	if !ok {
		return false
	}
	def.Enabled = enabled
	return true
}

// LoadBootstrap loads test_scenario.json from the storage path if present.
// Any failure is logged and ignored.
func (r *Registry) LoadBootstrap(storagePath string) {
	path := filepath.Join(storagePath, "test_scenario.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("bootstrap scenario unreadable", "path", path, "error", err)
		}
		return
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		slog.Error("bootstrap scenario invalid", "path", path, "error", err)
		return
	}
	r.Add(def)
	slog.Info("loaded bootstrap scenario", "name", def.Name, "path", path)
}
