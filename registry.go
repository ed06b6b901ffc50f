package proxyvisor

import (
	"sort"
	"sync"
)

// Table is the set of registry operations the supervisor depends on.
type Table interface {
	Put(inst *Instance)
	Get(name string) (*Instance, bool)
	Remove(name string) bool
	RemoveInstance(inst *Instance) bool
	List() []string
	Snapshot() []*Instance
	Len() int
}

// Registry maps instance names to live instances. An entry exists iff its
// process is believed alive.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Put inserts or overwrites the entry for inst.Name.
func (r *Registry) Put(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Name] = inst
}

func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// Remove deletes the entry for name. It reports whether an entry existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[name]; !ok {
		return false
	}
	delete(r.instances, name)
	return true
}

// RemoveInstance deletes the entry for inst.Name only while it still points
// at inst, so a finished run never evicts a newer run of the same name.
func (r *Registry) RemoveInstance(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[inst.Name]; !ok || cur != inst {
		return false
	}
	delete(r.instances, inst.Name)
	return true
}

// List returns a sorted snapshot of registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns the registered instances ordered by name.
func (r *Registry) Snapshot() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}
