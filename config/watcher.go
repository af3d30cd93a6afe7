package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// A Watcher watches a config file for changes and emits each re-read config
// on a channel. The channel closes when the watcher stops, so consumers may
// simply range over it.
type Watcher struct {
	configCh                chan *Config
	fsWatcher               *fsnotify.Watcher
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher watches filePath for writes. The parent directory is watched
// rather than the file itself so editors that replace the file atomically
// keep triggering events, and bursts of writes are debounced into one
// re-read.
func NewWatcher(ctx context.Context, filePath string, logger golog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(filePath)); err != nil {
		return nil, multierr.Combine(err, fsWatcher.Close())
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		configCh:  make(chan *Config),
		fsWatcher: fsWatcher,
		cancel:    cancel,
	}
	// The debouncer fires on its own timer goroutine, so it only nudges
	// reloadCh; reading the file and sending on configCh stay on the watch
	// goroutine, which therefore owns closing configCh.
	debounced := debounce.New(time.Millisecond * 50)
	reloadCh := make(chan struct{}, 1)
	w.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		defer close(w.configCh)
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-reloadCh:
				cfg, err := Read(cancelCtx, filePath, logger)
				if err != nil {
					logger.Errorw("failed to re-read config after change", "error", err)
					continue
				}
				select {
				case <-cancelCtx.Done():
					return
				case w.configCh <- cfg:
				}
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(filePath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				debounced(func() {
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("config watcher error", "error", err)
			}
		}
	}, w.activeBackgroundWorkers.Done)
	return w, nil
}

// Config returns the channel of config updates.
func (w *Watcher) Config() <-chan *Config {
	return w.configCh
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
