// Package grpchub provides the built-in gRPC hub module: one shared gRPC
// listener serving every service collected from provider modules.
package grpchub

import (
	"context"
	"net"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"go.viam.com/modhost/module"
)

// ModuleName is the name the hub is conventionally registered under.
const ModuleName = "grpc_hub"

const defaultBindAddress = "localhost:9090"

// Options configures the hub through its module attributes.
type Options struct {
	// BindAddress is the host:port to listen on.
	BindAddress string `json:"bind_address"`
}

// A Hub claims the gRPC hub role. It keeps the installer store handed to it
// during PreInit and serves everything in it once started.
type Hub struct {
	logger golog.Logger
	opts   Options
	store  *module.InstallerStore

	mu                      sync.Mutex
	server                  *grpc.Server
	health                  *health.Server
	addr                    string
	activeBackgroundWorkers sync.WaitGroup
}

// New returns an unstarted hub.
func New() *Hub {
	return &Hub{}
}

// PreInit implements module.System.
func (h *Hub) PreInit(sctx *module.SystemContext) error {
	h.store = sctx.GrpcInstallers
	return nil
}

// Init implements module.Module.
func (h *Hub) Init(ctx context.Context, mctx *module.Context) error {
	h.logger = mctx.Logger()
	opts := Options{BindAddress: defaultBindAddress}
	if err := mctx.DecodeConfig(&opts); err != nil {
		return err
	}
	if opts.BindAddress == "" {
		opts.BindAddress = defaultBindAddress
	}
	h.opts = opts
	return nil
}

// PostInit implements module.System. Installers are only collected after all
// post-init hooks have run, so there is nothing to do here yet.
func (h *Hub) PostInit(ctx context.Context, mctx *module.Context) error {
	return nil
}

// Start implements module.Stateful. It installs every collected service,
// marks each one serving in the standard health service, and begins serving.
func (h *Hub) Start(ctx context.Context, mctx *module.Context) error {
	if h.store == nil {
		return errors.New("hub was never handed an installer store")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	listener, err := net.Listen("tcp", h.opts.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", h.opts.BindAddress)
	}
	var success bool
	defer func() {
		if !success {
			utils.UncheckedError(listener.Close())
		}
	}()

	server := grpc.NewServer()
	healthSvc := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSvc)
	reflection.Register(server)
	installers := h.store.Installers()
	for _, inst := range installers {
		if err := inst.Install(server); err != nil {
			return errors.WithMessagef(err, "failed to install gRPC service %q", inst.ServiceName)
		}
		healthSvc.SetServingStatus(inst.ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	healthSvc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	h.server = server
	h.health = healthSvc
	h.addr = listener.Addr().String()
	h.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		if err := utils.FilterOutError(server.Serve(listener), grpc.ErrServerStopped); err != nil {
			h.logger.Errorw("grpc server failed", "error", err)
		}
	}, h.activeBackgroundWorkers.Done)
	h.logger.Infow("serving grpc", "address", h.addr, "services", len(installers))
	success = true
	return nil
}

// Stop implements module.Stateful. GracefulStop waits for in-flight RPCs; if
// the stop context expires first the server is stopped hard.
func (h *Hub) Stop(ctx context.Context, mctx *module.Context) error {
	h.mu.Lock()
	server := h.server
	healthSvc := h.health
	h.server = nil
	h.health = nil
	h.addr = ""
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	healthSvc.Shutdown()
	done := make(chan struct{})
	utils.PanicCapturingGo(func() {
		server.GracefulStop()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
		<-done
	}
	h.activeBackgroundWorkers.Wait()
	return nil
}

// Endpoint implements module.GrpcHub.
func (h *Hub) Endpoint() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr, h.addr != ""
}

var (
	_ module.Module   = (*Hub)(nil)
	_ module.System   = (*Hub)(nil)
	_ module.Stateful = (*Hub)(nil)
	_ module.GrpcHub  = (*Hub)(nil)
)
