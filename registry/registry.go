// Package registry tracks registered modules and computes the order they
// run in.
package registry

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/modhost/module"
)

// Entry is one registered module together with the optional capabilities
// sniffed from it at registration time. Nil capability fields mean the module
// does not participate in that part of the lifecycle.
type Entry struct {
	Name         string
	Dependencies []string
	Core         module.Module

	System       module.System
	DB           module.Migrator
	Rest         module.Rest
	RestHost     module.RestHost
	Stateful     module.Stateful
	GrpcServices module.GrpcServiceProvider
	GrpcHub      module.GrpcHub
}

func newEntry(name string, mod module.Module, deps []string) *Entry {
	e := &Entry{Name: name, Dependencies: deps, Core: mod}
	if v, ok := mod.(module.System); ok {
		e.System = v
	}
	if v, ok := mod.(module.Migrator); ok {
		e.DB = v
	}
	if v, ok := mod.(module.Rest); ok {
		e.Rest = v
	}
	if v, ok := mod.(module.RestHost); ok {
		e.RestHost = v
	}
	if v, ok := mod.(module.Stateful); ok {
		e.Stateful = v
	}
	if v, ok := mod.(module.GrpcServiceProvider); ok {
		e.GrpcServices = v
	}
	if v, ok := mod.(module.GrpcHub); ok {
		e.GrpcHub = v
	}
	return e
}

// Registry holds modules in registration order. Dependencies may reference
// modules registered later; they are only resolved when an ordering is
// computed.
type Registry struct {
	mu       sync.RWMutex
	entries  []*Entry
	byName   map[string]*Entry
	restHost string
	grpcHub  string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: map[string]*Entry{}}
}

// Register adds a module under a unique name. Singleton roles (REST host,
// gRPC hub) are claimed here so a conflicting second module fails fast
// instead of surfacing mid-lifecycle.
func (r *Registry) Register(name string, mod module.Module, deps ...string) error {
	if name == "" {
		return errors.New("module name must not be empty")
	}
	if mod == nil {
		return errors.Errorf("module %q is nil", name)
	}
	seen := make(map[string]bool, len(deps))
	depList := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == name {
			return errors.Errorf("module %q cannot depend on itself", name)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		depList = append(depList, dep)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return errors.Errorf("module %q already registered", name)
	}
	e := newEntry(name, mod, depList)
	if e.RestHost != nil {
		if r.restHost != "" {
			return errors.Errorf("module %q: REST host already provided by module %q", name, r.restHost)
		}
		r.restHost = name
	}
	if e.GrpcHub != nil {
		if r.grpcHub != "" {
			return errors.Errorf("module %q: gRPC hub already provided by module %q", name, r.grpcHub)
		}
		r.grpcHub = name
	}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	return nil
}

// Entries returns the modules in registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// RestHostEntry returns the module claiming the REST host role, if any.
func (r *Registry) RestHostEntry() (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.restHost == "" {
		return nil, false
	}
	return r.byName[r.restHost], true
}

// GrpcHubEntry returns the module claiming the gRPC hub role, if any.
func (r *Registry) GrpcHubEntry() (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grpcHub == "" {
		return nil, false
	}
	return r.byName[r.grpcHub], true
}

// ModuleNames implements module.Directory.
func (r *Registry) ModuleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Name)
	}
	return names
}

// Module implements module.Directory.
func (r *Registry) Module(name string) (module.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.Core, true
}

// TopoSorted returns the modules ordered so that every module comes after
// all of its dependencies. Ties break on registration order, so the result
// is reproducible across runs.
func (r *Registry) TopoSorted() ([]*Entry, error) {
	return r.sorted(false)
}

// BySystemPriority orders like TopoSorted but prefers system modules among
// the ready candidates at every step. When no system module depends on a
// plain one this yields all system modules first; when one does, the
// dependency edge wins.
func (r *Registry) BySystemPriority() ([]*Entry, error) {
	return r.sorted(true)
}

func (r *Registry) sorted(systemFirst bool) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.entries))
	dependents := make(map[string][]string, len(r.entries))
	for _, e := range r.entries {
		for _, dep := range e.Dependencies {
			if _, ok := r.byName[dep]; !ok {
				return nil, errors.Errorf("module %q depends on unregistered module %q", e.Name, dep)
			}
			indegree[e.Name]++
			dependents[dep] = append(dependents[dep], e.Name)
		}
	}

	ordered := make([]*Entry, 0, len(r.entries))
	placed := make(map[string]bool, len(r.entries))
	for len(ordered) < len(r.entries) {
		var pick *Entry
		for _, e := range r.entries {
			if placed[e.Name] || indegree[e.Name] != 0 {
				continue
			}
			if systemFirst && e.System == nil {
				if pick == nil {
					pick = e
				}
				continue
			}
			pick = e
			break
		}
		if pick == nil {
			var remaining []string
			for _, e := range r.entries {
				if !placed[e.Name] {
					remaining = append(remaining, e.Name)
				}
			}
			return nil, errors.Errorf("cyclic module dependency among: %s", strings.Join(remaining, ", "))
		}
		placed[pick.Name] = true
		ordered = append(ordered, pick)
		for _, dependent := range dependents[pick.Name] {
			indegree[dependent]--
		}
	}
	return ordered, nil
}
