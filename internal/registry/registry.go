// Package registry holds the set of running browser instances.
//
// The registry is the single source of truth for what is currently running.
// It performs no I/O; callers close browsers outside of it.
package registry

import (
	"slices"
	"sync"

	"github.com/qudata/browserd/internal/domain"
)

type Registry struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*domain.Instance)}
}

// Put stores inst under inst.ID, replacing any previous entry.
func (r *Registry) Put(inst *domain.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
}

func (r *Registry) Get(id string) (*domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove deletes and returns the entry for id. Only one of several
// concurrent callers for the same id receives the instance.
func (r *Registry) Remove(id string) (*domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	return inst, ok
}

// IDs returns the registered ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Ports returns the ports of registered instances in ascending order.
func (r *Registry) Ports() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]int, 0, len(r.instances))
	for _, inst := range r.instances {
		ports = append(ports, inst.Port)
	}
	slices.Sort(ports)
	return ports
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Drain empties the registry and returns everything it held.
func (r *Registry) Drain() []*domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.instances = make(map[string]*domain.Instance)
	return out
}
