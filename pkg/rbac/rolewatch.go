package rbac

import (
	"context"
	"encoding/json"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// RolePrecreateWatcher re-seeds managed role definitions from a JSON file of
// RoleTemplate whenever that file changes on disk, so operators can add a
// managed role without restarting the process.
type RolePrecreateWatcher struct {
	engine  *Engine
	path    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher
}

// NewRolePrecreateWatcher creates a watcher for path. Call Start to begin
// watching; the caller owns the returned watcher's lifetime and must call
// Close when done.
func NewRolePrecreateWatcher(engine *Engine, path string, logger *observability.Logger) (*RolePrecreateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RolePrecreateWatcher{engine: engine, path: path, logger: logger, watcher: w}, nil
}

// Start performs an initial seed from path, then watches the file at path
// itself and re-seeds on every write or create event for it. Runs until ctx
// is canceled.
func (w *RolePrecreateWatcher) Start(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		w.logger.WithError(err).Warn("initial role precreate load failed")
	}

	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go func() {
		defer observability.RecoverPanic(w.logger, "role precreate watcher")
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := w.reload(ctx); err != nil {
					w.logger.WithError(err).Warn("role precreate reload failed")
				} else {
					w.logger.Info("reloaded managed role definitions from precreate file")
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("role precreate watcher error")
			}
		}
	}()

	return nil
}

// Close stops the underlying fsnotify watcher.
func (w *RolePrecreateWatcher) Close() error {
	return w.watcher.Close()
}

func (w *RolePrecreateWatcher) reload(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var templates []RoleTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return err
	}
	return w.engine.SeedManagedRoles(ctx, templates)
}
