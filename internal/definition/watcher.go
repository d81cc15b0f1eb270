package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reload outcomes reported to the status callback.
const (
	ReloadSuccess  = "success"
	ReloadRejected = "rejected"
	ReloadFailed   = "failed"
)

// Reloader rebuilds the registry from the embedded defaults plus an override
// directory. A reload that fails to parse or validate leaves the registry
// untouched.
type Reloader struct {
	loader    *Loader
	validator *Validator
	registry  *Registry
	dir       string
	logger    *zap.Logger
	onReload  func(status string)

	mu sync.Mutex
}

// NewReloader creates a Reloader. onReload may be nil.
func NewReloader(registry *Registry, dir string, logger *zap.Logger, onReload func(status string)) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onReload == nil {
		onReload = func(string) {}
	}
	return &Reloader{
		loader:    NewLoader(),
		validator: NewValidator(),
		registry:  registry,
		dir:       dir,
		logger:    logger,
		onReload:  onReload,
	}
}

// Reload loads, validates and swaps in a new snapshot.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, err := r.loader.Load(r.dir)
	if err != nil {
		r.onReload(ReloadFailed)
		r.logger.Error("definition reload failed", zap.String("dir", r.dir), zap.Error(err))
		return err
	}

	findings := r.validator.Validate(docs)
	for _, f := range findings {
		if f.Severity == SeverityWarning {
			r.logger.Warn("definition warning", zap.String("path", f.Path), zap.String("code", f.Code), zap.String("message", f.Message))
		}
	}
	if HasErrors(findings) {
		r.onReload(ReloadRejected)
		var errs []error
		for _, f := range findings {
			if f.Severity == SeverityError {
				errs = append(errs, f)
			}
		}
		err := fmt.Errorf("definitions rejected: %w", errors.Join(errs...))
		r.logger.Error("definition reload rejected", zap.Int("errors", len(errs)), zap.Error(err))
		return err
	}

	r.registry.Replace(docs)
	transitions, templates := r.registry.Stats()
	r.onReload(ReloadSuccess)
	r.logger.Info("definitions loaded",
		zap.Int("transitions", transitions),
		zap.Int("templates", templates),
		zap.String("checksum", r.registry.Checksum()),
	)
	return nil
}

// Watcher reloads definitions when YAML files under the override directory change.
type Watcher struct {
	reloader *Reloader
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher creates a Watcher for the reloader's directory. A zero debounce
// defaults to 250ms.
func NewWatcher(reloader *Reloader, debounce time.Duration) (*Watcher, error) {
	if reloader.dir == "" {
		return nil, errors.New("definition watcher requires a definitions directory")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		reloader: reloader,
		fsw:      fsw,
		debounce: debounce,
		logger:   reloader.logger,
	}, nil
}

// Start adds watches on every directory below the root and processes events
// until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	root := w.reloader.dir
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		_ = w.fsw.Close()
		return fmt.Errorf("watching %s: %w", root, err)
	}

	go w.run(ctx)
	w.logger.Info("definition watcher started", zap.String("dir", root), zap.Duration("debounce", w.debounce))
	return nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return
	}
	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
	w.logger.Debug("definition change detected", zap.String("path", event.Name), zap.String("op", event.Op.String()))
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	if !w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = false
	w.pendingMu.Unlock()

	// Errors are logged by Reload; the previous snapshot stays active.
	_ = w.reloader.Reload()
}
