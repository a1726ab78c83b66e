// Package watcher observes project workspaces and kicks the evolution
// scheduler when files change, debounced so a burst of writes triggers
// a single cycle.
package watcher

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Kicker requests an immediate evolution cycle for a project.
type Kicker interface {
	Kick(projectID string)
}

// Config configures the watcher.
type Config struct {
	// Debounce is the quiet window after the last change before a
	// kick fires.
	Debounce time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Debounce: 2 * time.Second}
}

// Watcher maps workspace directories to projects and debounces
// filesystem events into scheduler kicks.
type Watcher struct {
	config Config
	kicker Kicker
	logger *zap.Logger
	fsw    *fsnotify.Watcher

	mu       sync.Mutex
	projects map[string]string // watched dir -> project id
	pending  map[string]*time.Timer
	closed   bool

	done chan struct{}
}

// New creates a watcher and starts its event loop.
func New(cfg Config, kicker Kicker, logger *zap.Logger) (*Watcher, error) {
	if kicker == nil {
		return nil, errors.New("kicker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		config:   cfg,
		kicker:   kicker,
		logger:   logger,
		fsw:      fsw,
		projects: make(map[string]string),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers a project workspace directory.
func (w *Watcher) Watch(projectID, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := w.fsw.Add(abs); err != nil {
		return err
	}
	w.mu.Lock()
	w.projects[abs] = projectID
	w.mu.Unlock()
	w.logger.Info("watching workspace",
		zap.String("project_id", projectID),
		zap.String("dir", abs),
	)
	return nil
}

// Unwatch removes a project workspace directory.
func (w *Watcher) Unwatch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.projects, abs)
	w.mu.Unlock()
	return w.fsw.Remove(abs)
}

// Close stops the watcher and cancels pending kicks.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// schedule arms or resets the debounce timer for the project owning
// the changed path.
func (w *Watcher) schedule(path string) {
	projectID := w.projectFor(path)
	if projectID == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[projectID]; ok {
		t.Reset(w.config.Debounce)
		return
	}
	w.pending[projectID] = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, projectID)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.logger.Info("workspace changed, kicking evolution",
			zap.String("project_id", projectID),
		)
		w.kicker.Kick(projectID)
	})
}

func (w *Watcher) projectFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, projectID := range w.projects {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return projectID
		}
	}
	return ""
}
