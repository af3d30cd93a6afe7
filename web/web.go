// Package web provides the built-in REST host module: a shared HTTP listener
// whose router is composed from every registered REST provider.
package web

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/modhost/module"
)

// ModuleName is the name the web service is conventionally registered under.
const ModuleName = "web"

const defaultBindAddress = "localhost:8080"

// Options configures the web service through its module attributes.
type Options struct {
	// BindAddress is the host:port to listen on.
	BindAddress string `json:"bind_address"`
	// Pprof mounts net/http/pprof handlers under /debug/pprof when set.
	Pprof bool `json:"pprof"`
}

// A Service claims the REST host role. It prepares the base router, lets the
// host mount every provider's routes on it, wraps the result in CORS, and
// serves it once started.
type Service struct {
	logger golog.Logger
	opts   Options

	mu                      sync.Mutex
	handler                 http.Handler
	server                  *http.Server
	addr                    string
	activeBackgroundWorkers sync.WaitGroup
}

// New returns an unstarted web service.
func New() *Service {
	return &Service{}
}

// Init implements module.Module.
func (svc *Service) Init(ctx context.Context, mctx *module.Context) error {
	svc.logger = mctx.Logger()
	opts := Options{BindAddress: defaultBindAddress}
	if err := mctx.DecodeConfig(&opts); err != nil {
		return err
	}
	if opts.BindAddress == "" {
		opts.BindAddress = defaultBindAddress
	}
	svc.opts = opts
	return nil
}

// PrepareRouter implements module.RestHost. The base router always serves a
// health endpoint so a host with no REST providers still answers probes.
func (svc *Service) PrepareRouter(mctx *module.Context) (*goji.Mux, error) {
	mux := goji.NewMux()
	mux.HandleFunc(pat.New("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		utils.UncheckedError(err)
	})
	if svc.opts.Pprof {
		mux.HandleFunc(pat.New("/debug/pprof/"), pprof.Index)
		mux.HandleFunc(pat.New("/debug/pprof/cmdline"), pprof.Cmdline)
		mux.HandleFunc(pat.New("/debug/pprof/profile"), pprof.Profile)
		mux.HandleFunc(pat.New("/debug/pprof/symbol"), pprof.Symbol)
		mux.HandleFunc(pat.New("/debug/pprof/trace"), pprof.Trace)
	}
	return mux, nil
}

// FinalizeRouter implements module.RestHost. CORS wraps the composed router
// outermost so preflight requests are answered before any module route runs.
func (svc *Service) FinalizeRouter(mctx *module.Context, mux *goji.Mux) (http.Handler, error) {
	handler := cors.AllowAll().Handler(mux)
	svc.mu.Lock()
	svc.handler = handler
	svc.mu.Unlock()
	return handler, nil
}

// Start implements module.Stateful.
func (svc *Service) Start(ctx context.Context, mctx *module.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.handler == nil {
		return errors.New("router was never finalized")
	}
	listener, err := net.Listen("tcp", svc.opts.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", svc.opts.BindAddress)
	}
	svc.addr = listener.Addr().String()
	svc.server = &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := svc.server
	svc.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		if err := utils.FilterOutError(server.Serve(listener), http.ErrServerClosed); err != nil {
			svc.logger.Errorw("http server failed", "error", err)
		}
	}, svc.activeBackgroundWorkers.Done)
	svc.logger.Infow("serving http", "address", svc.addr)
	return nil
}

// Stop implements module.Stateful. It is a no-op if the service never
// started.
func (svc *Service) Stop(ctx context.Context, mctx *module.Context) error {
	svc.mu.Lock()
	server := svc.server
	svc.server = nil
	svc.addr = ""
	svc.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	if err != nil {
		utils.UncheckedError(server.Close())
	}
	svc.activeBackgroundWorkers.Wait()
	return err
}

// Address returns the bound address once Start has succeeded, which is useful
// when the configured bind address has port zero.
func (svc *Service) Address() string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.addr
}

var (
	_ module.Module   = (*Service)(nil)
	_ module.RestHost = (*Service)(nil)
	_ module.Stateful = (*Service)(nil)
)
