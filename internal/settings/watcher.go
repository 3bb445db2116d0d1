package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const debounce = 100 * time.Millisecond

// Watch reloads the settings whenever the file is changed by another process. It blocks until the
// context is cancelled
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Failed to create settings watcher")
	}
	defer watcher.Close()

	// the file is replaced on every save, so the directory is watched
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "Failed to watch '%s'", dir)
	}
	log.Debugf("Watching '%s' for changes", s.path)

	var timer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, s.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("Settings watcher error: %v", err)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}
