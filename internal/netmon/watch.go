package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeSource notifies the monitor that the network may have changed.
type ChangeSource interface {
	Watch(ctx context.Context, notify func()) error
}

// FileChangeSource watches a file the OS rewrites on link changes, such as
// /etc/resolv.conf. The parent directory is watched because network
// managers replace the file rather than write to it.
type FileChangeSource struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// NewFileChangeSource returns a source watching path.
func NewFileChangeSource(path string) *FileChangeSource {
	return &FileChangeSource{Path: path, Debounce: 100 * time.Millisecond, Logger: slog.Default()}
}

// Watch starts watching until ctx is done.
func (s *FileChangeSource) Watch(ctx context.Context, notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	target := filepath.Clean(s.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.Debounce, notify)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("network watch error", "path", target, "err", err)
			}
		}
	}()
	return nil
}
