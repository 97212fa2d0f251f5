// Package watch turns writes to worker status files into watchdog nudges.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reportd/internal/workspace"
)

// StatusWatcher watches job directories and calls onChange, debounced,
// whenever a status file is written. The watchdog still polls; this only
// shortens the delay between a worker finishing and its job being reaped.
type StatusWatcher struct {
	watcher        *fsnotify.Watcher
	onChange       func()
	debouncePeriod time.Duration
	logger         *slog.Logger

	mu            sync.Mutex
	debounceTimer *time.Timer
	closed        bool
	done          chan struct{}
}

// NewStatusWatcher creates a watcher. Call Start to begin delivering events.
func NewStatusWatcher(onChange func(), debounce time.Duration, logger *slog.Logger) (*StatusWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &StatusWatcher{
		watcher:        watcher,
		onChange:       onChange,
		debouncePeriod: debounce,
		logger:         logger.With("component", "status-watcher"),
		done:           make(chan struct{}),
	}, nil
}

// Add starts watching a job directory. Adding a directory twice is harmless.
func (sw *StatusWatcher) Add(dir string) error {
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return nil
}

// Remove stops watching a job directory. Directories that are not watched
// or no longer exist are ignored.
func (sw *StatusWatcher) Remove(dir string) error {
	for _, watched := range sw.watcher.WatchList() {
		if watched == dir {
			_ = sw.watcher.Remove(dir)
			break
		}
	}
	return nil
}

// Start begins delivering events in the background.
func (sw *StatusWatcher) Start() {
	go sw.watchLoop()
}

// Close stops the watcher and waits for the event loop to exit.
func (sw *StatusWatcher) Close() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.mu.Unlock()

	err := sw.watcher.Close()
	<-sw.done
	return err
}

func (sw *StatusWatcher) watchLoop() {
	defer close(sw.done)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != workspace.StatusFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				sw.logger.Debug("status file changed", "file", event.Name, "op", event.Op.String())
				sw.schedule()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("status watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of writes into one callback.
func (sw *StatusWatcher) schedule() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return
	}
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceTimer = time.AfterFunc(sw.debouncePeriod, sw.onChange)
}
