package zone

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/sightline/internal/logger"
)

// Watch reloads the policy file whenever it changes and swaps it into
// the store. A reload that fails to parse keeps the previous policy.
// Watches the parent directory so editors that rename-over the file
// (atomic save) are picked up. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("zone config reload failed, keeping previous policy", "path", path, "error", err)
				continue
			}
			store.Swap(cfg)
			logger.Info("zone config reloaded", "path", path, "allowed", len(cfg.Allowed), "denied", len(cfg.Denied))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("zone config watch error", "error", err)
		}
	}
}
