package host

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/modhost/backend"
	"go.viam.com/modhost/config"
	"go.viam.com/modhost/module"
	"go.viam.com/modhost/registry"
)

const (
	defaultEndpointPollInterval = 10 * time.Millisecond
	defaultEndpointMaxWait      = 5 * time.Second
)

// Params configures a Runtime.
type Params struct {
	// Registry supplies the modules. Required.
	Registry *registry.Registry
	// Contexts resolves per-module contexts. Required.
	Contexts *module.ContextBuilder
	// Backend spawns out-of-process modules. It may be nil when the config
	// declares none.
	Backend backend.Backend
	// Config supplies module attribute sections and out-of-process
	// declarations; nil means neither.
	Config *config.Config
	// EndpointPollInterval is how often the gRPC hub is polled for its bound
	// endpoint before spawning. Zero means 10ms.
	EndpointPollInterval time.Duration
	// EndpointMaxWait bounds the endpoint poll; on expiry children are
	// spawned without an endpoint rather than failing the phase. Zero means
	// 5s.
	EndpointMaxWait time.Duration
}

// Runtime executes the module lifecycle. Phases run strictly in order, one
// module hook at a time; a later phase never starts until the previous phase
// has completed for every module.
type Runtime struct {
	logger     golog.Logger
	params     Params
	hostID     uuid.UUID
	installers *module.InstallerStore

	mu      sync.RWMutex
	handler http.Handler
	spawned []backend.InstanceHandle
}

// New returns a runtime over the given registry and context builder.
func New(logger golog.Logger, params Params) (*Runtime, error) {
	if params.Registry == nil {
		return nil, errors.New("a module registry is required")
	}
	if params.Contexts == nil {
		return nil, errors.New("a module context builder is required")
	}
	if params.EndpointPollInterval == 0 {
		params.EndpointPollInterval = defaultEndpointPollInterval
	}
	if params.EndpointMaxWait == 0 {
		params.EndpointMaxWait = defaultEndpointMaxWait
	}
	return &Runtime{
		logger:     logger,
		params:     params,
		hostID:     uuid.New(),
		installers: module.NewInstallerStore(),
	}, nil
}

// RunModulePhases drives every startup phase: pre-init, database migration,
// init, post-init, REST composition, gRPC registration, start, and
// out-of-process spawn. ctx is the host's shutdown signal; it is handed to
// every stateful module's Start. The first module failure aborts everything
// that remains.
func (r *Runtime) RunModulePhases(ctx context.Context) error {
	ordered, err := r.params.Registry.BySystemPriority()
	if err != nil {
		return err
	}
	if err := r.preInitPhase(ordered); err != nil {
		return err
	}
	if err := r.migratePhase(ctx, ordered); err != nil {
		return err
	}
	if err := r.initPhase(ctx, ordered); err != nil {
		return err
	}
	if err := r.postInitPhase(ctx, ordered); err != nil {
		return err
	}
	if err := r.restPhase(ctx); err != nil {
		return err
	}
	if err := r.grpcRegisterPhase(ctx, ordered); err != nil {
		return err
	}
	if err := r.startPhase(ctx, ordered); err != nil {
		return err
	}
	return r.spawnPhase(ctx)
}

func (r *Runtime) preInitPhase(ordered []*registry.Entry) error {
	sctx := &module.SystemContext{
		HostID:         r.hostID,
		Modules:        r.params.Registry,
		GrpcInstallers: r.installers,
	}
	for _, e := range ordered {
		if e.System == nil {
			continue
		}
		r.logger.Debugw("pre-initializing system module", "module", e.Name)
		if err := e.System.PreInit(sctx); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhasePreInit, Err: err}
		}
	}
	return nil
}

func (r *Runtime) migratePhase(ctx context.Context, ordered []*registry.Entry) error {
	for _, e := range ordered {
		if e.DB == nil {
			continue
		}
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseDBMigrate, Err: err}
		}
		if _, ok := mctx.DB(); !ok {
			r.logger.Debugw("module has migrations but no database handle resolved; skipping",
				"module", e.Name)
			continue
		}
		r.logger.Infow("running database migration", "module", e.Name)
		if err := e.DB.Migrate(ctx, mctx); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseDBMigrate, Err: err}
		}
	}
	return nil
}

func (r *Runtime) initPhase(ctx context.Context, ordered []*registry.Entry) error {
	for _, e := range ordered {
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseInit, Err: err}
		}
		r.logger.Debugw("initializing module", "module", e.Name)
		if err := e.Core.Init(ctx, mctx); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseInit, Err: err}
		}
	}
	return nil
}

// postInitPhase is a global barrier: it only runs once initPhase has returned
// for every registered module, so post-init hooks may rely on registrations
// performed by unrelated modules during init.
func (r *Runtime) postInitPhase(ctx context.Context, ordered []*registry.Entry) error {
	for _, e := range ordered {
		if e.System == nil {
			continue
		}
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhasePostInit, Err: err}
		}
		if err := e.System.PostInit(ctx, mctx); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhasePostInit, Err: err}
		}
	}
	return nil
}

func (r *Runtime) restPhase(ctx context.Context) error {
	var providers []*registry.Entry
	for _, e := range r.params.Registry.Entries() {
		if e.Rest != nil {
			providers = append(providers, e)
		}
	}
	hostEntry, hasHost := r.params.Registry.RestHostEntry()
	if !hasHost {
		if len(providers) == 0 {
			return nil
		}
		return errors.Errorf("REST routes declared by %s but no module provides a REST host",
			strings.Join(entryNames(providers), ", "))
	}

	hostCtx, err := r.params.Contexts.ForModule(ctx, hostEntry.Name)
	if err != nil {
		return &PhaseError{Module: hostEntry.Name, Phase: PhaseRest, Err: err}
	}
	mux, err := hostEntry.RestHost.PrepareRouter(hostCtx)
	if err != nil {
		return &PhaseError{Module: hostEntry.Name, Phase: PhaseRest, Err: err}
	}
	for _, e := range providers {
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseRest, Err: err}
		}
		if err := e.Rest.RegisterRoutes(mctx, mux); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseRest, Err: err}
		}
	}
	handler, err := hostEntry.RestHost.FinalizeRouter(hostCtx, mux)
	if err != nil {
		return &PhaseError{Module: hostEntry.Name, Phase: PhaseRest, Err: err}
	}
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
	r.logger.Debugw("composed rest router", "host", hostEntry.Name, "providers", len(providers))
	return nil
}

func (r *Runtime) grpcRegisterPhase(ctx context.Context, ordered []*registry.Entry) error {
	var providers []*registry.Entry
	for _, e := range ordered {
		if e.GrpcServices != nil {
			providers = append(providers, e)
		}
	}
	_, hasHub := r.params.Registry.GrpcHubEntry()
	if !hasHub {
		if len(providers) == 0 {
			return nil
		}
		return errors.Errorf("gRPC services declared by %s but no module provides a gRPC hub",
			strings.Join(entryNames(providers), ", "))
	}

	for _, e := range providers {
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseGrpcRegister, Err: err}
		}
		installers, err := e.GrpcServices.GrpcServices(mctx)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseGrpcRegister, Err: err}
		}
		if err := r.installers.Add(e.Name, installers...); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseGrpcRegister, Err: err}
		}
	}
	r.logger.Debugw("collected grpc service installers", "count", r.installers.Len())
	return nil
}

func (r *Runtime) startPhase(ctx context.Context, ordered []*registry.Entry) error {
	for _, e := range ordered {
		if e.Stateful == nil {
			continue
		}
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseStart, Err: err}
		}
		if err := e.Stateful.Start(ctx, mctx); err != nil {
			return &PhaseError{Module: e.Name, Phase: PhaseStart, Err: err}
		}
		r.logger.Debugw("started module", "module", e.Name)
	}
	return nil
}

func (r *Runtime) spawnPhase(ctx context.Context) error {
	if r.params.Config == nil || len(r.params.Config.OOPModules) == 0 {
		return nil
	}
	if r.params.Backend == nil {
		return errors.New("out-of-process modules configured but no backend provided")
	}
	var endpoint string
	if hubEntry, ok := r.params.Registry.GrpcHubEntry(); ok {
		endpoint = r.waitForHubEndpoint(ctx, hubEntry.GrpcHub)
	}
	for _, cfg := range r.params.Config.OOPModules {
		rendered, err := r.renderModuleConfig(cfg.Name)
		if err != nil {
			return &PhaseError{Module: cfg.Name, Phase: PhaseOopSpawn, Err: err}
		}
		handle, err := r.params.Backend.SpawnInstance(ctx, backend.SpawnRequest{
			Config:             cfg,
			RenderedConfigJSON: rendered,
			DirectoryEndpoint:  endpoint,
		})
		if err != nil {
			return &PhaseError{Module: cfg.Name, Phase: PhaseOopSpawn, Err: err}
		}
		r.mu.Lock()
		r.spawned = append(r.spawned, handle)
		r.mu.Unlock()
	}
	return nil
}

// waitForHubEndpoint polls the hub until it publishes a bound endpoint. On
// timeout it returns empty: children are then spawned without an endpoint
// rather than failing the phase.
func (r *Runtime) waitForHubEndpoint(ctx context.Context, hub module.GrpcHub) string {
	pollCtx, cancel := context.WithTimeout(ctx, r.params.EndpointMaxWait)
	defer cancel()
	var endpoint string
	err := backoff.Retry(func() error {
		ep, ok := hub.Endpoint()
		if !ok {
			return errors.New("endpoint not yet published")
		}
		endpoint = ep
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(r.params.EndpointPollInterval), pollCtx))
	if err != nil {
		r.logger.Warnw("gRPC hub never published an endpoint; spawning without one", "error", err)
		return ""
	}
	return endpoint
}

// renderModuleConfig renders the named module's attribute section as the JSON
// payload handed to its child process.
func (r *Runtime) renderModuleConfig(name string) (string, error) {
	if r.params.Config == nil {
		return "{}", nil
	}
	attrs, ok := r.params.Config.ModuleAttributes(name)
	if !ok || attrs == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(attrs)
	if err != nil {
		return "", errors.Wrap(err, "failed to render module configuration")
	}
	return string(buf), nil
}

// Wait blocks until ctx is cancelled: the steady state of a running host.
func (r *Runtime) Wait(ctx context.Context) {
	<-ctx.Done()
}

// StopModules stops every stateful module in reverse registration order,
// regardless of topology. Failures are logged, never propagated: every module
// gets its stop attempt even when an earlier one misbehaves.
func (r *Runtime) StopModules(ctx context.Context) {
	entries := r.params.Registry.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Stateful == nil {
			continue
		}
		mctx, err := r.params.Contexts.ForModule(ctx, e.Name)
		if err != nil {
			r.logger.Errorw("module stop failed", "module", e.Name, "phase", PhaseStop, "error", err)
			continue
		}
		if err := e.Stateful.Stop(ctx, mctx); err != nil {
			r.logger.Errorw("module stop failed", "module", e.Name, "phase", PhaseStop, "error", err)
			continue
		}
		r.logger.Debugw("stopped module", "module", e.Name)
	}
}

// Handler returns the REST handler composed during the lifecycle, if any.
func (r *Runtime) Handler() (http.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler, r.handler != nil
}

// SpawnedInstances returns the handles spawned by the out-of-process phase.
func (r *Runtime) SpawnedInstances() []backend.InstanceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.InstanceHandle, len(r.spawned))
	copy(out, r.spawned)
	return out
}

// HostID returns this host instance's unique id.
func (r *Runtime) HostID() uuid.UUID {
	return r.hostID
}

func entryNames(entries []*registry.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
