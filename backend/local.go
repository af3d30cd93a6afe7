package backend

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

const (
	defaultInstanceStopGrace     = 2 * time.Second
	defaultShutdownGrace         = 5 * time.Second
	defaultForwarderDrainTimeout = 100 * time.Millisecond
)

// Options tunes the local process backend. Zero values take defaults.
type Options struct {
	// InstanceStopGrace bounds how long StopInstance waits for a process to
	// exit after a graceful signal before killing it. It must be shorter
	// than ShutdownGrace: the global sweep happens once and can afford to
	// wait longer per process.
	InstanceStopGrace time.Duration
	// ShutdownGrace bounds the per-process wait during the global shutdown
	// sweep.
	ShutdownGrace time.Duration
	// ForwarderDrainTimeout bounds the wait for log forwarders to finish
	// after the sweep has stopped every process.
	ForwarderDrainTimeout time.Duration
	// Clock is used for timestamps and timers; nil uses the wall clock.
	Clock clock.Clock
}

func (o Options) withDefaults() (Options, error) {
	if o.InstanceStopGrace == 0 {
		o.InstanceStopGrace = defaultInstanceStopGrace
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.ForwarderDrainTimeout == 0 {
		o.ForwarderDrainTimeout = defaultForwarderDrainTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.InstanceStopGrace >= o.ShutdownGrace {
		return Options{}, errors.Errorf(
			"instance stop grace (%s) must be shorter than shutdown grace (%s)",
			o.InstanceStopGrace, o.ShutdownGrace)
	}
	return o, nil
}

type localInstance struct {
	handle InstanceHandle
	cmd    *exec.Cmd
	// fwdWG tracks this instance's two log forwarders; the supervisor waits
	// for them before reaping the process, since cmd.Wait closes the pipes.
	fwdWG    sync.WaitGroup
	waitErr  error
	waitDone chan struct{}
}

// LocalProcessBackend runs out-of-process modules as children of the host
// process. A background task watches the host's cancellation and stops every
// tracked instance when it fires.
type LocalProcessBackend struct {
	logger    golog.Logger
	opts      Options
	cancelCtx context.Context

	mu        sync.RWMutex
	instances map[uuid.UUID]*localInstance
	closed    bool

	activeBackgroundWorkers sync.WaitGroup
	forwarderWorkers        sync.WaitGroup
	closeOnce               sync.Once
	closeCh                 chan struct{}
}

// NewLocalProcessBackend returns a backend whose shutdown sweep is triggered
// by ctx being cancelled.
func NewLocalProcessBackend(ctx context.Context, logger golog.Logger, opts Options) (*LocalProcessBackend, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	b := &LocalProcessBackend{
		logger:    logger,
		opts:      opts,
		cancelCtx: ctx,
		instances: map[uuid.UUID]*localInstance{},
		closeCh:   make(chan struct{}),
	}
	b.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		select {
		case <-ctx.Done():
			b.shutdownAll()
		case <-b.closeCh:
		}
	}, b.activeBackgroundWorkers.Done)
	return b, nil
}

// Kind implements Backend.
func (b *LocalProcessBackend) Kind() Kind {
	return KindLocalProcess
}

// SpawnInstance implements Backend. The returned handle means the child
// process started; it says nothing about the child staying alive.
func (b *LocalProcessBackend) SpawnInstance(ctx context.Context, req SpawnRequest) (InstanceHandle, error) {
	cfg := req.Config
	kind, err := ParseKind(string(cfg.Backend))
	if err != nil {
		return InstanceHandle{}, err
	}
	if kind != KindLocalProcess {
		return InstanceHandle{}, errors.Errorf(
			"local process backend cannot run module %q declared with backend kind %q", cfg.Name, kind)
	}
	if cfg.Binary == "" {
		return InstanceHandle{}, errors.Errorf("out-of-process module %q has no binary configured", cfg.Name)
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return InstanceHandle{}, errors.New("backend is shut down")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return InstanceHandle{}, errors.Wrap(err, "failed to generate instance id")
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = append(os.Environ(), childEnv(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InstanceHandle{}, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return InstanceHandle{}, errors.Wrap(err, "failed to open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return InstanceHandle{}, errors.Wrapf(err, "failed to start out-of-process module %q", cfg.Name)
	}

	handle := InstanceHandle{
		Module:     cfg.Name,
		InstanceID: id,
		Backend:    KindLocalProcess,
		PID:        cmd.Process.Pid,
		CreatedAt:  b.opts.Clock.Now(),
	}
	inst := &localInstance{handle: handle, cmd: cmd, waitDone: make(chan struct{})}

	inst.fwdWG.Add(2)
	b.forwarderWorkers.Add(2)
	fwdDone := func() {
		inst.fwdWG.Done()
		b.forwarderWorkers.Done()
	}
	utils.ManagedGo(func() {
		b.forwardLines(handle, streamStdout, stdout)
	}, fwdDone)
	utils.ManagedGo(func() {
		b.forwardLines(handle, streamStderr, stderr)
	}, fwdDone)

	// The supervisor owns cmd.Wait. It must not reap until both forwarders
	// are done with their pipes; a crash mid-life is observed here, never
	// surfaced as a backend error.
	b.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		inst.fwdWG.Wait()
		inst.waitErr = cmd.Wait()
		if inst.waitErr != nil {
			b.logger.Debugw("out-of-process module exited",
				"module", cfg.Name, "instance_id", id.String(), "error", inst.waitErr)
		}
		close(inst.waitDone)
	}, b.activeBackgroundWorkers.Done)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if err := b.stopChildWithGrace(ctx, inst, b.opts.InstanceStopGrace); err != nil {
			b.logger.Errorw("failed to stop instance spawned during shutdown",
				"module", cfg.Name, "instance_id", id.String(), "error", err)
		}
		return InstanceHandle{}, errors.New("backend is shut down")
	}
	b.instances[id] = inst
	b.mu.Unlock()

	b.logger.Infow("spawned out-of-process module",
		"module", cfg.Name, "instance_id", id.String(), "pid", handle.PID)
	return handle, nil
}

// childEnv renders the extra environment for one child in a stable order.
func childEnv(req SpawnRequest) []string {
	keys := make([]string, 0, len(req.Config.Env))
	for k := range req.Config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		env = append(env, k+"="+req.Config.Env[k])
	}
	if req.RenderedConfigJSON != "" {
		env = append(env, ModuleConfigEnvVar+"="+req.RenderedConfigJSON)
	}
	if req.DirectoryEndpoint != "" {
		env = append(env, DirectoryEndpointEnvVar+"="+req.DirectoryEndpoint)
	}
	return env
}

// StopInstance implements Backend. The instance is removed from tracking
// before any signal is sent, so concurrent stops of the same handle are safe
// and stopping an unknown handle is a no-op.
func (b *LocalProcessBackend) StopInstance(ctx context.Context, handle InstanceHandle) error {
	b.mu.Lock()
	inst, ok := b.instances[handle.InstanceID]
	if ok {
		delete(b.instances, handle.InstanceID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debugw("stop requested for unknown instance; nothing to do",
			"module", handle.Module, "instance_id", handle.InstanceID.String())
		return nil
	}
	return b.stopChildWithGrace(ctx, inst, b.opts.InstanceStopGrace)
}

// ListInstances implements Backend.
func (b *LocalProcessBackend) ListInstances(module string) []InstanceHandle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var handles []InstanceHandle
	for _, inst := range b.instances {
		if inst.handle.Module == module {
			handles = append(handles, inst.handle)
		}
	}
	return handles
}

// stopChildWithGrace asks the child to exit cooperatively where the platform
// supports it, waits up to grace, then kills. Platforms without a cooperative
// signal skip straight to the kill rather than waiting out a grace period
// nothing asked the process to honor.
func (b *LocalProcessBackend) stopChildWithGrace(ctx context.Context, inst *localInstance, grace time.Duration) error {
	handle := inst.handle
	if sent := sendTerminateSignal(b.logger, inst.cmd.Process); sent {
		select {
		case <-inst.waitDone:
			b.logger.Debugw("instance exited after graceful signal",
				"module", handle.Module, "instance_id", handle.InstanceID.String())
			return nil
		case <-b.opts.Clock.After(grace):
			b.logger.Warnw("instance did not exit within grace period; killing",
				"module", handle.Module, "instance_id", handle.InstanceID.String(), "grace", grace.String())
		case <-ctx.Done():
		}
	}
	if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "failed to kill instance %s of module %q", handle.InstanceID, handle.Module)
	}
	<-inst.waitDone
	return nil
}

// shutdownAll drains the instance map and stops everything with the longer
// shutdown grace, then waits briefly for the log forwarders, which are
// expected to exit as soon as their pipes close.
func (b *LocalProcessBackend) shutdownAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	insts := make([]*localInstance, 0, len(b.instances))
	for _, inst := range b.instances {
		insts = append(insts, inst)
	}
	b.instances = map[uuid.UUID]*localInstance{}
	b.mu.Unlock()

	if len(insts) != 0 {
		b.logger.Infow("stopping all out-of-process instances", "count", len(insts))
	}
	for _, inst := range insts {
		if err := b.stopChildWithGrace(context.Background(), inst, b.opts.ShutdownGrace); err != nil {
			b.logger.Errorw("failed to stop out-of-process instance during shutdown",
				"module", inst.handle.Module, "instance_id", inst.handle.InstanceID.String(), "error", err)
		}
	}

	drained := make(chan struct{})
	utils.PanicCapturingGo(func() {
		b.forwarderWorkers.Wait()
		close(drained)
	})
	select {
	case <-drained:
	case <-b.opts.Clock.After(b.opts.ForwarderDrainTimeout):
		b.logger.Warnw("log forwarders did not drain in time",
			"timeout", b.opts.ForwarderDrainTimeout.String())
	}
}

// Close stops every tracked instance and waits for background work to finish.
func (b *LocalProcessBackend) Close(ctx context.Context) error {
	b.shutdownAll()
	b.closeOnce.Do(func() { close(b.closeCh) })
	b.activeBackgroundWorkers.Wait()
	return nil
}
