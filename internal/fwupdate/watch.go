package fwupdate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// DefaultPackageSettle is how long the package directory must stay quiet
// before a change triggers an attempt.
const DefaultPackageSettle = 2 * time.Second

// PackageWatcher fires the trigger when packages appear or change.
type PackageWatcher struct {
	dir     string
	settle  time.Duration
	trigger Trigger
}

func NewPackageWatcher(dir string, settle time.Duration, trigger Trigger) *PackageWatcher {
	return &PackageWatcher{dir: dir, settle: settle, trigger: trigger}
}

func (w *PackageWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	log.Info("Watching package directory", "dir", w.dir)

	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()
	var changed string

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if (!ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write)) || !firmware.IsPackageName(name) {
				continue
			}
			changed = name
			timer.Reset(w.settle)

		case <-timer.C:
			log.Info("Update package changed", "package", changed)
			w.trigger.Fire("package " + changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Package watcher error", "error", err.Error())
		}
	}
}
