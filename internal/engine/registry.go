package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flowtx/pkg/api"
)

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.WorkflowDefinition
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]api.WorkflowDefinition),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("%w: %q", api.ErrWorkflowExists, def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

func (r *workflowRegistry) Get(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", api.ErrWorkflowNotFound, name)
	}
	return def, nil
}

func (r *workflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
