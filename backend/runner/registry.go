package runner

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/andi/barkest/backend/models"
)

// ErrUnknownTask is returned when no task is registered under a name.
var ErrUnknownTask = errors.New("unknown task")

// Definition is a named task that can be started from the UI or the CLI
type Definition struct {
	Name           string
	Title          string
	Description    string
	InitialMessage string
	Run            TaskFunc
}

// Info returns the listing view of the definition
func (d Definition) Info() models.TaskInfo {
	return models.TaskInfo{Name: d.Name, Title: d.Title, Description: d.Description}
}

// Registry manages available task definitions
type Registry struct {
	defs map[string]Definition
	mu   sync.RWMutex
}

// NewRegistry creates a new task registry
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register adds a new task definition to the registry
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("task definition has no name")
	}
	if def.Run == nil {
		return fmt.Errorf("task %s has no body", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("task %s already registered", def.Name)
	}
	if def.Title == "" {
		def.Title = def.Name
	}
	if def.InitialMessage == "" {
		def.InitialMessage = fmt.Sprintf("Running %s...", def.Title)
	}

	r.defs[def.Name] = def
	return nil
}

// Get retrieves a task definition from the registry
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	return def, nil
}

// List returns all definitions ordered by name
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
