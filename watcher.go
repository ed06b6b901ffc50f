package proxyvisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// ConfigWatcher restarts instances whose inputs change on disk: config-mode
// instances when their <name>.json is rewritten, and every instance when an
// env file changes.
type ConfigWatcher struct {
	sup      *Supervisor
	dir      string
	envFiles map[string]bool
	delay    time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewConfigWatcher(sup *Supervisor, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := filepath.Abs(sup.opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &ConfigWatcher{
		sup:      sup,
		dir:      dir,
		envFiles: make(map[string]bool),
		delay:    debounceDelay,
		watcher:  watcher,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
	// Editors replace files by rename, so watch the parent directory.
	for _, file := range sup.opts.EnvFiles {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			continue
		}
		w.envFiles[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			logger.Warn("Watcher: env file directory not watched", slog.String("file", abs), slog.String("err", err.Error()))
		}
	}
	return w, nil
}

// Run handles file events until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) {
	defer w.close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.handle(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", slog.String("err", err.Error()))
		case <-ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) handle(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	switch {
	case w.envFiles[abs]:
		w.logger.Info("Watcher: env file changed", slog.String("file", abs))
		w.debounce(abs, func() { w.dispatch(w.sup.Running(), "env_file") })
	case filepath.Dir(abs) == w.dir && filepath.Ext(abs) == ".json":
		key := strings.TrimSuffix(filepath.Base(abs), ".json")
		w.logger.Info("Watcher: config changed", slog.String("config", key))
		w.debounce(abs, func() { w.dispatch(w.configUsers(key), "config_change") })
	}
}

// debounce runs fn once path has been quiet for the debounce delay.
func (w *ConfigWatcher) debounce(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		fn()
	})
}

// configUsers returns running config-mode instances reading <key>.json.
func (w *ConfigWatcher) configUsers(key string) []string {
	var names []string
	for _, inst := range w.sup.reg.Snapshot() {
		if inst.Spec != nil && inst.Spec.Mode == ModeConfig && SanitizeName(inst.Spec.Config) == key {
			names = append(names, inst.Name)
		}
	}
	return names
}

func (w *ConfigWatcher) dispatch(names []string, reason string) {
	for _, name := range names {
		if !w.sup.Dispatch(Command{Action: ActionRestart, Instance: name, Reason: reason}) {
			w.logger.Warn("Watcher: restart not queued", slog.String("instance", name), slog.String("reason", reason))
		}
	}
}

func (w *ConfigWatcher) close() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.watcher.Close()
}
