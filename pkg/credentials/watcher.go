package credentials

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/threadline/threadline/internal/logger"
)

// Watch reloads the store whenever the credential file changes on disk, until
// the context is cancelled. The parent directory is watched rather than the
// file itself because Save (and most editors) replace the file by rename,
// which would invalidate a watch on the file.
//
// Watch blocks; run it in its own goroutine.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create credential watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch credential directory: %w", err)
	}

	target := filepath.Clean(s.path)

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
			// Reloading after our own Save is harmless; the file contents
			// match the in-memory state.
			if err := s.Load(); err != nil {
				logger.Warn("Failed to reload credential file", "path", s.path, "error", err)
				continue
			}
			logger.Debug("Credential file reloaded", "path", s.path, "users", s.Count())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Credential watcher error", "error", err)
		}
	}
}
