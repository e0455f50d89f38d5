package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu       sync.RWMutex
	current  *Config
	onReload []func(*Config)

	// reloadMu serializes reloads, so callbacks never run concurrently.
	reloadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for path. current is the configuration that
// was loaded at startup.
func NewWatcher(path string, current *Config, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[config] ", log.LstdFlags|log.Lmsgprefix)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    abs,
		watcher: fw,
		logger:  logger,
		current: current,
	}, nil
}

// Start begins watching. Editors that replace the file are handled by
// watching the parent directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		if err := w.watcher.Add(w.path); err != nil {
			return fmt.Errorf("watch config file/dir: %w", err)
		}
		w.logger.Printf("watching config file %s for changes", w.path)
	} else {
		w.logger.Printf("watching directory %s for config changes", dir)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// OnReload registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, callback)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := w.reload(); err != nil {
					w.logger.Printf("keeping previous config: %v", err)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Printf("config reloaded from %s", w.path)
	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}
