// Package module defines the capability interfaces a hosted module may
// implement and the context objects the host hands to module hooks.
//
// Every module implements Module. All other capabilities are optional and
// are discovered once, at registration time, by interface assertion.
package module

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"goji.io"
	"google.golang.org/grpc"
)

// Module is the mandatory core capability. Init is called for every module,
// in dependency order, after all system modules have been wired.
type Module interface {
	Init(ctx context.Context, mctx *Context) error
}

// System marks a module as host-internal wiring. PreInit runs first of all
// phases and is handed host internals; PostInit runs only after Init has
// returned for every registered module, so a system module may rely on
// registrations performed by unrelated modules during Init.
type System interface {
	PreInit(sctx *SystemContext) error
	PostInit(ctx context.Context, mctx *Context) error
}

// Migrator is the database capability. Migrate runs before Init for modules
// whose context resolved a live database handle; without a handle the host
// skips the module with a diagnostic.
type Migrator interface {
	Migrate(ctx context.Context, mctx *Context) error
}

// Rest is the REST-provider capability. RegisterRoutes mounts the module's
// routes on the router prepared by the REST host module.
type Rest interface {
	RegisterRoutes(mctx *Context, mux *goji.Mux) error
}

// RestHost is the REST-host capability. At most one module per host may
// provide it, and it is required as soon as any Rest module is registered.
// PrepareRouter produces the base router handed to every Rest module;
// FinalizeRouter wraps the fully composed router into the handler the host
// retains.
type RestHost interface {
	PrepareRouter(mctx *Context) (*goji.Mux, error)
	FinalizeRouter(mctx *Context, mux *goji.Mux) (http.Handler, error)
}

// Stateful is the capability for modules with long-running work. Start
// receives a context that is cancelled when the host shuts down. Stop is
// called during shutdown in reverse registration order; its error is logged,
// never propagated.
type Stateful interface {
	Start(ctx context.Context, mctx *Context) error
	Stop(ctx context.Context, mctx *Context) error
}

// ServiceInstaller installs one named gRPC service into the hub's server.
type ServiceInstaller struct {
	ServiceName string
	Install     func(srv *grpc.Server) error
}

// GrpcServiceProvider is the capability for modules exporting gRPC services.
// Installers are collected during the registration phase and consumed by the
// hub when it starts listening.
type GrpcServiceProvider interface {
	GrpcServices(mctx *Context) ([]ServiceInstaller, error)
}

// GrpcHub is the capability of the module that runs the shared gRPC
// listener. Endpoint reports the bound address once the hub is serving; the
// host polls it before spawning out-of-process modules so children can be
// told where to reach the hub.
type GrpcHub interface {
	Endpoint() (string, bool)
}

// Directory is a read-only view of the registered module set, handed to
// system modules during PreInit.
type Directory interface {
	ModuleNames() []string
	Module(name string) (Module, bool)
}

// SystemContext carries host internals to System.PreInit.
type SystemContext struct {
	// HostID uniquely identifies this host instance.
	HostID uuid.UUID
	// Modules is the registered module set.
	Modules Directory
	// GrpcInstallers collects service installers during the gRPC
	// registration phase; the hub module should keep a reference and read
	// it when it starts listening.
	GrpcInstallers *InstallerStore
}
