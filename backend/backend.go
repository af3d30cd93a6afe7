// Package backend runs out-of-process modules and supervises their lifetime.
//
// A backend spawns a module as a child of the host, forwards its output into
// the host's structured logs, and stops it gracefully (singly, or all at once
// when the host shuts down). LocalProcessBackend is the only backend in this
// repository; remote backends such as a cluster scheduler implement the same
// interface elsewhere.
package backend

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind identifies the execution medium of an out-of-process module.
type Kind string

const (
	// KindLocalProcess runs the module as a child process of the host.
	KindLocalProcess Kind = "local_process"
	// KindK8s delegates the module to a cluster scheduler.
	KindK8s Kind = "k8s"
	// KindStatic marks a module that is linked into the host and never
	// spawned.
	KindStatic Kind = "static"
	// KindMock is reserved for tests.
	KindMock Kind = "mock"
)

// ParseKind validates a kind coming from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLocalProcess, KindK8s, KindStatic, KindMock:
		return k, nil
	case "":
		return KindLocalProcess, nil
	default:
		return "", errors.Errorf("unknown backend kind %q", s)
	}
}

// Environment variable names injected into spawned children. They are a
// contract with module binaries and must not change between releases.
const (
	// ModuleConfigEnvVar carries the module's rendered JSON configuration.
	ModuleConfigEnvVar = "MODHOST_MODULE_CONFIG"
	// DirectoryEndpointEnvVar carries the bound address of the host's gRPC
	// hub, when one exists and was discovered before spawning.
	DirectoryEndpointEnvVar = "MODHOST_DIRECTORY_ENDPOINT"
)

// InstanceHandle identifies one running out-of-process module instance. It is
// immutable once returned by SpawnInstance.
type InstanceHandle struct {
	// Module is the module's configured name.
	Module string
	// InstanceID is a time-ordered unique identifier for this instance.
	InstanceID uuid.UUID
	// Backend is the kind of backend that spawned the instance.
	Backend Kind
	// PID is the OS process id, or 0 where not applicable.
	PID int
	// CreatedAt is when the spawn succeeded.
	CreatedAt time.Time
}

// OopModuleConfig describes one out-of-process module as configured.
type OopModuleConfig struct {
	// Name identifies the module; it must be unique among OoP modules.
	Name string `json:"name"`
	// Binary is the path to the module's executable.
	Binary string `json:"binary"`
	// Args are passed to the child verbatim; the host never appends to them.
	Args []string `json:"args,omitempty"`
	// Env contains additional variables passed to the child process on top
	// of the host's own environment.
	Env map[string]string `json:"env,omitempty"`
	// WorkingDirectory is the child's working directory; empty inherits the
	// host's.
	WorkingDirectory string `json:"working_directory,omitempty"`
	// Backend selects the execution medium; empty defaults to local_process.
	Backend Kind `json:"backend,omitempty"`
	// Version is informational and not interpreted by the host.
	Version string `json:"version,omitempty"`
}

// Validate checks the config in the context of the named config path.
func (c *OopModuleConfig) Validate(path string) error {
	if c.Name == "" {
		return errors.Errorf("%s: out-of-process module has no name", path)
	}
	if c.Binary == "" {
		return errors.Errorf("%s: out-of-process module %q has no binary", path, c.Name)
	}
	if _, err := ParseKind(string(c.Backend)); err != nil {
		return errors.WithMessagef(err, "%s: out-of-process module %q", path, c.Name)
	}
	return nil
}

// SpawnRequest is everything a backend needs to start one instance: the
// module's static config plus the values the host injects via environment
// variables at spawn time.
type SpawnRequest struct {
	Config OopModuleConfig
	// RenderedConfigJSON is the module's configuration rendered as JSON; it
	// is exported to the child as ModuleConfigEnvVar when non-empty.
	RenderedConfigJSON string
	// DirectoryEndpoint is the discovered gRPC hub address; it is exported
	// to the child as DirectoryEndpointEnvVar when non-empty.
	DirectoryEndpoint string
}

// Backend spawns, tracks, and stops out-of-process module instances.
type Backend interface {
	// Kind reports which configs this backend accepts.
	Kind() Kind
	// SpawnInstance starts one instance. Errors are synchronous: a returned
	// handle means the process started; later crashes are observed only by
	// the log forwarders.
	SpawnInstance(ctx context.Context, req SpawnRequest) (InstanceHandle, error)
	// StopInstance stops a tracked instance. Stopping an unknown or
	// already-stopped handle is a no-op, not an error.
	StopInstance(ctx context.Context, handle InstanceHandle) error
	// ListInstances returns the tracked handles for the named module, in no
	// particular order.
	ListInstances(module string) []InstanceHandle
}
