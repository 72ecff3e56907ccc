package daemon

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rcliao/agent-runtime/internal/model"
)

// watchDeletions watches the threads directory and calls onRemove whenever a
// thread directory disappears, including removals made by other processes
// that bypass the store's delete hook. It returns once the watcher is set
// up; the loop runs until ctx is cancelled.
func watchDeletions(ctx context.Context, threadsDir string, logger *slog.Logger, onRemove func(threadID string)) (done <-chan struct{}, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(threadsDir); err != nil {
		watcher.Close()
		return nil, err
	}

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				id := filepath.Base(event.Name)
				if model.ValidateThreadID(id) != nil {
					continue
				}
				logger.Debug("thread directory removed", "thread_id", id)
				onRemove(id)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("thread watcher error", "error", err)
			}
		}
	}()
	return ch, nil
}
