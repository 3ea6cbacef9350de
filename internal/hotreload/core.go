// Package hotreload watches configuration files and calls registered
// handlers when they change on disk.
package hotreload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with the new file content after a change settles.
type ReloadHandler func(ctx context.Context, event ReloadEvent) error

// ReloadEvent describes one settled change of a watched file.
type ReloadEvent struct {
	Path      string    `json:"path"`
	Content   []byte    `json:"content,omitempty"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type Config struct {
	DebounceTime time.Duration `json:"debounce_time"`
}

func DefaultConfig() *Config {
	return &Config{DebounceTime: 300 * time.Millisecond}
}

// Reloader watches the parent directories of registered files so that
// atomic replace (write temp + rename) is observed like an in-place write.
type Reloader struct {
	config  *Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mutex      sync.Mutex
	handlers   map[string]ReloadHandler
	versions   map[string]string
	debouncers map[string]*time.Timer
	running    bool
	stopChan   chan struct{}
}

func NewReloader(config *Config, logger *slog.Logger) (*Reloader, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Reloader{
		config:     config,
		logger:     logger,
		watcher:    watcher,
		handlers:   make(map[string]ReloadHandler),
		versions:   make(map[string]string),
		debouncers: make(map[string]*time.Timer),
		stopChan:   make(chan struct{}),
	}, nil
}

// RegisterHandler watches path and calls handler when its content changes.
func (hr *Reloader) RegisterHandler(path string, handler ReloadHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := hr.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	hr.mutex.Lock()
	defer hr.mutex.Unlock()
	hr.handlers[abs] = handler
	if b, err := os.ReadFile(abs); err == nil {
		hr.versions[abs] = version(b)
	}
	hr.logger.Info("registered hot reload handler", "path", abs)
	return nil
}

// StartWatching runs the watch loop until ctx is done or Stop is called.
func (hr *Reloader) StartWatching(ctx context.Context) error {
	hr.mutex.Lock()
	if hr.running {
		hr.mutex.Unlock()
		return errors.New("hot reloader is already running")
	}
	hr.running = true
	hr.mutex.Unlock()
	go hr.watchLoop(ctx)
	return nil
}

func (hr *Reloader) Stop() error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()
	if !hr.running {
		return hr.watcher.Close()
	}
	hr.running = false
	close(hr.stopChan)
	for _, t := range hr.debouncers {
		t.Stop()
	}
	return hr.watcher.Close()
}

func (hr *Reloader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hr.stopChan:
			return
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			hr.handleFileEvent(ctx, event)
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.logger.Error("file watcher error", "error", err)
		}
	}
}

func (hr *Reloader) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	hr.mutex.Lock()
	defer hr.mutex.Unlock()
	if _, ok := hr.handlers[abs]; !ok {
		return
	}
	hr.logger.Debug("file event", "event", event.Op.String(), "file", abs)
	if t, exists := hr.debouncers[abs]; exists {
		t.Stop()
	}
	hr.debouncers[abs] = time.AfterFunc(hr.config.DebounceTime, func() {
		if err := hr.Reload(ctx, abs); err != nil {
			hr.logger.Error("failed to reload file", "file", abs, "error", err)
		}
	})
}

// Reload reads path and calls its handler if the content changed since the
// last successful reload.
func (hr *Reloader) Reload(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	v := version(content)
	hr.mutex.Lock()
	h := hr.handlers[abs]
	same := hr.versions[abs] == v
	hr.mutex.Unlock()
	if h == nil {
		return fmt.Errorf("no handler registered for %s", abs)
	}
	if same {
		return nil
	}
	if err := h(ctx, ReloadEvent{Path: abs, Content: content, Version: v, Timestamp: time.Now()}); err != nil {
		return err
	}
	hr.mutex.Lock()
	hr.versions[abs] = v
	hr.mutex.Unlock()
	hr.logger.Info("file reloaded", "file", abs, "version", v)
	return nil
}

func version(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:8])
}
