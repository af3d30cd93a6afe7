package host

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.viam.com/utils"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/modhost/config"
	"go.viam.com/modhost/grpchub"
	"go.viam.com/modhost/registry"
	"go.viam.com/modhost/web"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"0,required,usage=host config file"`
	Debug       bool   `flag:"debug"`
	LogFile     string `flag:"log-file,usage=also write logs to this rotating file"`
	Version     bool   `flag:"version,usage=print version"`
	WatchConfig bool   `flag:"watch-config,usage=watch the config file and log when a restart is needed"`
}

// RunHost is the entry point of the host daemon. It reads the configuration,
// registers the built-in modules the config asks for, and runs the lifecycle
// until a shutdown signal. Programs embedding their own modules call Run
// with their own registry instead.
func RunHost(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	// Always log the version, return early if the '-version' flag was provided.
	logger.Infof("modhost version: %s, hash: %s", config.Version, config.GitRevision)
	if argsParsed.Version {
		return
	}

	if argsParsed.Debug {
		logger = golog.NewDebugLogger("modhostd")
	}
	if argsParsed.LogFile != "" {
		var closer func()
		logger, closer, err = addFileLogger(logger, argsParsed.LogFile)
		if err != nil {
			return err
		}
		defer closer()
	}

	initialReadCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	cfg, err := config.Read(initialReadCtx, argsParsed.ConfigFile, logger)
	if err != nil {
		cancel()
		return err
	}
	cancel()

	reg := registry.New()
	if cfg.HasModule(web.ModuleName) {
		if err := reg.Register(web.ModuleName, web.New()); err != nil {
			return err
		}
	}
	if cfg.HasModule(grpchub.ModuleName) {
		if err := reg.Register(grpchub.ModuleName, grpchub.New()); err != nil {
			return err
		}
	}

	if argsParsed.WatchConfig {
		watcher, err := config.NewWatcher(ctx, argsParsed.ConfigFile, logger)
		if err != nil {
			return err
		}
		var watchWG sync.WaitGroup
		defer watchWG.Wait()
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
		watchWG.Add(1)
		utils.ManagedGo(func() {
			// Modules are wired once at startup; a changed file means the
			// operator needs to restart, so say so instead of reconfiguring.
			for changed := range watcher.Config() {
				logger.Warnw("config file changed on disk; restart the host to apply it",
					"modules", len(changed.Modules), "oop_modules", len(changed.OOPModules))
			}
		}, watchWG.Done)
	}

	err = Run(ctx, logger, RunOptions{
		Config:   cfg,
		Registry: reg,
		Shutdown: ShutdownOptions{Signals: true},
	})
	if err != nil {
		logger.Errorw("host exited with error", "error", err)
	}
	return err
}

// addFileLogger tees the logger into a size-rotated file.
func addFileLogger(logger golog.Logger, path string) (golog.Logger, func(), error) {
	fileWriter := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(fileWriter),
		zap.DebugLevel,
	)
	l := logger.Desugar()
	l = l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	closer := func() {
		utils.UncheckedError(fileWriter.Close())
	}
	return l.Sugar(), closer, nil
}
