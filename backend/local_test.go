package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestLocalBackendOptions(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewLocalProcessBackend(context.Background(), logger, Options{
		InstanceStopGrace: 5 * time.Second,
		ShutdownGrace:     2 * time.Second,
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must be shorter than")

	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bkd.Kind(), test.ShouldEqual, KindLocalProcess)
	test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
}

func TestSpawnInstanceValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{Name: "module_a"},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `module "module_a" has no binary configured`)

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{Name: "module_a", Binary: "/bin/true", Backend: KindK8s},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `cannot run module "module_a"`)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"k8s"`)

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{Name: "module_a", Binary: "/bin/true", Backend: "fleet"},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown backend kind")

	// Nothing above made it into tracking.
	test.That(t, bkd.ListInstances("module_a"), test.ShouldBeEmpty)
}

func TestSpawnListStop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{
		InstanceStopGrace: 100 * time.Millisecond,
		ShutdownGrace:     time.Second,
	})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	handleA, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_a",
			Binary: "bash",
			Args:   []string{"-c", "while :; do :; done"},
		},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, handleA.Module, test.ShouldEqual, "module_a")
	test.That(t, handleA.Backend, test.ShouldEqual, KindLocalProcess)
	test.That(t, handleA.PID, test.ShouldBeGreaterThan, 0)
	test.That(t, handleA.InstanceID, test.ShouldNotEqual, uuid.Nil)
	test.That(t, handleA.CreatedAt.IsZero(), test.ShouldBeFalse)

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_b",
			Binary: "bash",
			Args:   []string{"-c", "while :; do :; done"},
		},
	})
	test.That(t, err, test.ShouldBeNil)

	instances := bkd.ListInstances("module_a")
	test.That(t, instances, test.ShouldHaveLength, 1)
	test.That(t, instances[0].InstanceID, test.ShouldEqual, handleA.InstanceID)
	test.That(t, bkd.ListInstances("module_b"), test.ShouldHaveLength, 1)
	test.That(t, bkd.ListInstances("module_c"), test.ShouldBeEmpty)

	test.That(t, bkd.StopInstance(context.Background(), handleA), test.ShouldBeNil)
	test.That(t, bkd.ListInstances("module_a"), test.ShouldBeEmpty)
	test.That(t, bkd.ListInstances("module_b"), test.ShouldHaveLength, 1)

	// Stopping again, or stopping a handle that never existed, is a no-op.
	test.That(t, bkd.StopInstance(context.Background(), handleA), test.ShouldBeNil)
	test.That(t, bkd.StopInstance(context.Background(), InstanceHandle{
		Module:     "ghost",
		InstanceID: uuid.New(),
	}), test.ShouldBeNil)
}

func TestSpawnEnvInjection(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{
		InstanceStopGrace: 100 * time.Millisecond,
		ShutdownGrace:     time.Second,
	})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	outPath := filepath.Join(t.TempDir(), "env.txt")
	test.That(t, os.WriteFile(outPath, nil, 0o600), test.ShouldBeNil)

	watcher, err := fsnotify.NewWatcher()
	test.That(t, err, test.ShouldBeNil)
	defer watcher.Close()
	test.That(t, watcher.Add(outPath), test.ShouldBeNil)

	script := fmt.Sprintf(
		"echo \"$%s|$%s|$GREETING\" >> %s\nwhile :; do :; done",
		ModuleConfigEnvVar, DirectoryEndpointEnvVar, outPath,
	)
	handle, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_env",
			Binary: "bash",
			Args:   []string{"-c", script},
			Env:    map[string]string{"GREETING": "hello"},
		},
		RenderedConfigJSON: `{"answer":42}`,
		DirectoryEndpoint:  "localhost:9090",
	})
	test.That(t, err, test.ShouldBeNil)

	select {
	case <-watcher.Events:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for module to write its environment")
	}

	rd, err := os.ReadFile(outPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(rd), test.ShouldEqual, `{"answer":42}|localhost:9090|hello`+"\n")

	test.That(t, bkd.StopInstance(context.Background(), handle), test.ShouldBeNil)
}

func TestStopInstanceGraceful(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	handle, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_polite",
			Binary: "bash",
			Args:   []string{"-c", "trap 'exit 0' TERM\nwhile :; do :; done"},
		},
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bkd.StopInstance(context.Background(), handle), test.ShouldBeNil)
	test.That(t,
		len(logs.FilterMessageSnippet("instance exited after graceful signal").All()),
		test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, logs.FilterMessageSnippet("did not exit within grace period").All(), test.ShouldBeEmpty)
}

func TestStopInstanceKillsStubborn(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{
		InstanceStopGrace: 100 * time.Millisecond,
		ShutdownGrace:     400 * time.Millisecond,
	})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	handle, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_stubborn",
			Binary: "bash",
			Args:   []string{"-c", "trap '' TERM\nwhile :; do :; done"},
		},
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bkd.StopInstance(context.Background(), handle), test.ShouldBeNil)
	test.That(t,
		len(logs.FilterMessageSnippet("did not exit within grace period").All()),
		test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, bkd.ListInstances("module_stubborn"), test.ShouldBeEmpty)
}

func TestModuleExitObserved(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)
	}()

	handle, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{
			Name:   "module_exit",
			Binary: "bash",
			Args:   []string{"-c", "echo ready; echo ERROR boom 1>&2; exit 3"},
		},
	})
	test.That(t, err, test.ShouldBeNil)

	// A self-exited instance stays tracked until it is explicitly stopped.
	test.That(t, bkd.ListInstances("module_exit"), test.ShouldHaveLength, 1)

	// StopInstance returns only after the process has been reaped, so by now
	// every line the child wrote has been forwarded.
	test.That(t, bkd.StopInstance(context.Background(), handle), test.ShouldBeNil)

	ready := logs.FilterMessageSnippet("ready").All()
	test.That(t, len(ready), test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, ready[0].Level, test.ShouldEqual, zapcore.InfoLevel)
	test.That(t, ready[0].ContextMap()["stream"], test.ShouldEqual, streamStdout)
	test.That(t, ready[0].ContextMap()["module"], test.ShouldEqual, "module_exit")
	test.That(t, ready[0].ContextMap()["instance_id"], test.ShouldEqual, handle.InstanceID.String())

	boom := logs.FilterMessageSnippet("boom").All()
	test.That(t, len(boom), test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, boom[0].Level, test.ShouldEqual, zapcore.ErrorLevel)
	test.That(t, boom[0].ContextMap()["stream"], test.ShouldEqual, streamStderr)

	exited := logs.FilterMessageSnippet("out-of-process module exited").All()
	test.That(t, len(exited), test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestShutdownSweepOnCancel(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	bkd, err := NewLocalProcessBackend(ctx, logger, Options{
		InstanceStopGrace: 50 * time.Millisecond,
		ShutdownGrace:     200 * time.Millisecond,
	})
	test.That(t, err, test.ShouldBeNil)

	for _, name := range []string{"module_a", "module_b"} {
		_, err := bkd.SpawnInstance(context.Background(), SpawnRequest{
			Config: OopModuleConfig{
				Name:   name,
				Binary: "bash",
				Args:   []string{"-c", "while :; do :; done"},
			},
		})
		test.That(t, err, test.ShouldBeNil)
	}

	cancel()
	// Close waits out the sweep the cancellation kicked off.
	test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)

	test.That(t, bkd.ListInstances("module_a"), test.ShouldBeEmpty)
	test.That(t, bkd.ListInstances("module_b"), test.ShouldBeEmpty)
	test.That(t,
		len(logs.FilterMessageSnippet("stopping all out-of-process instances").All()),
		test.ShouldBeGreaterThanOrEqualTo, 1)

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{Name: "module_late", Binary: "/bin/true"},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "backend is shut down")
}

func TestSpawnAfterClose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bkd, err := NewLocalProcessBackend(context.Background(), logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bkd.Close(context.Background()), test.ShouldBeNil)

	_, err = bkd.SpawnInstance(context.Background(), SpawnRequest{
		Config: OopModuleConfig{Name: "module_a", Binary: "/bin/true"},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "backend is shut down")
}
