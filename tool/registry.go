package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
)

// Registry holds tool definitions and answers per-stage tool specs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register validates, normalizes, and adds a tool definition. The schema
// is compiled here so a bad schema fails registration, not the first call.
func (r *Registry) Register(def Definition) error {
	def.normalize()

	if def.Name == "" {
		return fmt.Errorf("tool: name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", def.Name)
	}
	if len(def.Parameters) > 0 {
		compiled, err := CompileSchema(def.Name, def.Parameters)
		if err != nil {
			return err
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s: %w", def.Name, ErrAlreadyRegistered)
	}
	r.tools[def.Name] = &def
	return nil
}

// RegisterAll adds multiple definitions, stopping at the first error.
func (r *Registry) RegisterAll(defs []Definition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a definition by (normalized) name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.tools[NormalizeName(name)]
	return def, exists
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	_, exists := r.Get(name)
	return exists
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SpecForScope returns the model-facing tool descriptors visible in stage,
// sorted by name.
func (r *Registry) SpecForScope(stage jobstate.Stage) []modelio.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]modelio.ToolDef, 0, len(r.tools))
	for _, def := range r.tools {
		if !def.InScope(stage) {
			continue
		}
		specs = append(specs, modelio.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
