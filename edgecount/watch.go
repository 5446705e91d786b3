package edgecount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange once at the start, and again after every change to root or to an
// application's count directories, until ctx is done or onChange fails.
func Watch(ctx context.Context, root string, onChange func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	err = watchDirs(w, root)
	if err != nil {
		return err
	}
	if err := onChange(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			logger.Levelf(log.Debug, "event: %v", ev)
			// New applications and count directories need watching too.
			if ev.Op&fsnotify.Create != 0 {
				err = watchDirs(w, root)
				if err != nil {
					return err
				}
			}
			err = onChange()
			if err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Levelf(log.Warning, "error in edge count watcher: %v", err)
		}
	}
}

// fsnotify doesn't recurse, so root, each application, and each count directory are added
// explicitly. Adding an already watched path is harmless.
func watchDirs(w *fsnotify.Watcher, root string) error {
	err := w.Add(root)
	if err != nil {
		return fmt.Errorf("watching %q: %w", root, err)
	}
	apps, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if !app.IsDir() {
			continue
		}
		appDir := filepath.Join(root, app.Name())
		for _, dir := range []string{appDir, filepath.Join(appDir, WithCovDir), filepath.Join(appDir, NoCovDir)} {
			if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
				continue
			}
			if err := w.Add(dir); err != nil {
				return fmt.Errorf("watching %q: %w", dir, err)
			}
		}
	}
	return nil
}
