package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a single config file and invokes a reload callback,
// debounced, whenever the file is written. Mirrors a watchLoop/debounce-
// timer idiom for directory watching, applied here to one file instead of
// a set of directories.
type ConfigWatcher struct {
	path      string
	debounce  time.Duration
	onChanged func()
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewConfigWatcher constructs a watcher for path. onChanged is invoked
// (from the watch goroutine) after the file has been quiet for debounce;
// a non-positive debounce defaults to 250ms.
func NewConfigWatcher(path string, debounce time.Duration, onChanged func(), logger *slog.Logger) *ConfigWatcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		path:      path,
		debounce:  debounce,
		onChanged: onChanged,
		logger:    logger.With("component", "mcp-config-watcher"),
	}
}

// Start begins watching the config file's parent directory (fsnotify
// cannot watch a single file reliably across editors that replace it via
// rename) until ctx is cancelled or Stop is called.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mcp: create config watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("mcp: watch %s: %w", dir, err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop closes the underlying watcher and waits for the watch goroutine to
// exit.
func (w *ConfigWatcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.onChanged)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}
