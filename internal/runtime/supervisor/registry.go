package supervisor

import (
	"maps"
	"sync"
)

// Registry names the supervisors of long-lived subsystems so health output
// can report them together. Entries may come and go while the process runs.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers or replaces sup under name; nil deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

func (r *Registry) Get(name string) *Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[name]
}

// Snapshots returns the current Snapshot of every registered supervisor.
func (r *Registry) Snapshots() map[string]Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sups := maps.Clone(r.m)
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(sups))
	for name, s := range sups {
		out[name] = s.Snapshot()
	}
	return out
}
