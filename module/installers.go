package module

import (
	"sync"

	"github.com/pkg/errors"
)

// InstallerStore aggregates the gRPC service installers collected during the
// registration phase. It is written once, by the host, and read afterwards by
// the hub module when it starts listening.
type InstallerStore struct {
	mu         sync.RWMutex
	installers []ServiceInstaller
	owners     map[string]string
}

// NewInstallerStore returns an empty store.
func NewInstallerStore() *InstallerStore {
	return &InstallerStore{owners: map[string]string{}}
}

// Add records moduleName's installers, rejecting service names already
// claimed by another module.
func (s *InstallerStore) Add(moduleName string, installers ...ServiceInstaller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range installers {
		if inst.ServiceName == "" {
			return errors.Errorf("module %q declared a gRPC service with no name", moduleName)
		}
		if owner, ok := s.owners[inst.ServiceName]; ok {
			return errors.Errorf(
				"duplicate gRPC service %q: declared by module %q and module %q",
				inst.ServiceName, owner, moduleName)
		}
		if inst.Install == nil {
			return errors.Errorf("module %q declared gRPC service %q without an installer", moduleName, inst.ServiceName)
		}
		s.owners[inst.ServiceName] = moduleName
		s.installers = append(s.installers, inst)
	}
	return nil
}

// Installers returns the collected installers in the order they were added.
func (s *InstallerStore) Installers() []ServiceInstaller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceInstaller, len(s.installers))
	copy(out, s.installers)
	return out
}

// Len returns the number of collected installers.
func (s *InstallerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.installers)
}
