package planfile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Service implements the steps and rollbacks that a plan file refers to by
// name. input is the evaluated "input" of the step, or the run Context when
// the step declares none.
type Service func(ctx context.Context, input any) (any, error)

// ErrUnknownService is returned when a plan refers to an unregistered service.
var ErrUnknownService = errors.New("unknown service")

// Registry maps service names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds or replaces a service.
func (r *Registry) Register(name string, svc Service) {
	if name == "" || svc == nil {
		panic("planfile: service name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// RegisterAll adds every service in m.
func (r *Registry) RegisterAll(m map[string]Service) {
	for name, svc := range m {
		r.Register(name, svc)
	}
}

// Lookup returns the named service.
func (r *Registry) Lookup(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
