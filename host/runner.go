package host

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/modhost/backend"
	"go.viam.com/modhost/clienthub"
	"go.viam.com/modhost/config"
	"go.viam.com/modhost/module"
	"go.viam.com/modhost/registry"
)

const defaultModuleStopTimeout = 15 * time.Second

// ShutdownOptions selects what, beyond the parent context, shuts the host
// down. All configured triggers are armed at once; the first to fire wins.
type ShutdownOptions struct {
	// Signals shuts down on SIGINT or SIGTERM.
	Signals bool
	// Context shuts down when it is done; nil is ignored.
	Context context.Context
	// Ch shuts down on receive or close; nil is ignored.
	Ch <-chan struct{}
}

// RunOptions configures one Run.
type RunOptions struct {
	// Config is the host configuration; nil behaves as empty.
	Config *config.Config
	// Registry supplies the modules. Required.
	Registry *registry.Registry
	// DB resolves per-module database handles; nil disables migrations.
	DB module.DBProvider
	// Backend runs out-of-process modules. When nil and the config declares
	// any, a LocalProcessBackend owned by this Run is constructed.
	Backend backend.Backend
	// Clients is the shared client hub; nil creates a fresh one.
	Clients *clienthub.Hub
	// Shutdown selects the shutdown triggers.
	Shutdown ShutdownOptions
	// ModuleStopTimeout bounds the stop phase. The shutdown signal has
	// already fired by the time stops run, so they get a fresh context with
	// this timeout instead. Zero means 15s.
	ModuleStopTimeout time.Duration
	// EndpointPollInterval and EndpointMaxWait tune the gRPC hub endpoint
	// discovery before out-of-process spawning; zero values take defaults.
	EndpointPollInterval time.Duration
	EndpointMaxWait      time.Duration
}

// Run executes the whole lifecycle: every startup phase, the steady-state
// wait, and the stop sweep. It returns once shutdown has completed,
// combining the startup failure (if any) with cleanup failures.
func Run(ctx context.Context, logger golog.Logger, opts RunOptions) error {
	if opts.Registry == nil {
		return errors.New("a module registry is required")
	}
	if opts.ModuleStopTimeout == 0 {
		opts.ModuleStopTimeout = defaultModuleStopTimeout
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer wg.Wait()
	defer cancel()

	if opts.Shutdown.Signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		wg.Add(1)
		utils.ManagedGo(func() {
			select {
			case <-runCtx.Done():
			case sig := <-sigCh:
				logger.Infow("shutting down on signal", "signal", sig.String())
				cancel()
			}
		}, wg.Done)
	}
	if extra := opts.Shutdown.Context; extra != nil {
		wg.Add(1)
		utils.ManagedGo(func() {
			select {
			case <-runCtx.Done():
			case <-extra.Done():
				cancel()
			}
		}, wg.Done)
	}
	if ch := opts.Shutdown.Ch; ch != nil {
		wg.Add(1)
		utils.ManagedGo(func() {
			select {
			case <-runCtx.Done():
			case <-ch:
				cancel()
			}
		}, wg.Done)
	}

	be := opts.Backend
	var ownedBackend *backend.LocalProcessBackend
	if be == nil && opts.Config != nil && len(opts.Config.OOPModules) > 0 {
		var err error
		ownedBackend, err = backend.NewLocalProcessBackend(runCtx, logger.Named("backend"), backend.Options{})
		if err != nil {
			return err
		}
		be = ownedBackend
	}

	contexts := module.NewContextBuilder(logger, opts.Config, opts.DB, opts.Clients)
	runtime, err := New(logger, Params{
		Registry:             opts.Registry,
		Contexts:             contexts,
		Backend:              be,
		Config:               opts.Config,
		EndpointPollInterval: opts.EndpointPollInterval,
		EndpointMaxWait:      opts.EndpointMaxWait,
	})
	if err != nil {
		return err
	}

	runErr := runtime.RunModulePhases(runCtx)
	if runErr != nil {
		logger.Errorw("module lifecycle failed; shutting down", "error", runErr)
		cancel()
	} else {
		logger.Infow("host running", "host_id", runtime.HostID().String())
		runtime.Wait(runCtx)
	}

	// runCtx is already cancelled here; stops get their own bounded context
	// so shutdown work is not itself cancelled from the start.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.ModuleStopTimeout)
	defer stopCancel()
	runtime.StopModules(stopCtx)

	var closeErr error
	if ownedBackend != nil {
		closeErr = ownedBackend.Close(stopCtx)
	}
	return multierr.Combine(runErr, closeErr)
}
