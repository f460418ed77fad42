package pushserver

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

const debounce = 50 * time.Millisecond

// WatchFile broadcasts a sync message every time the content of path
// changes. Events that leave the content unchanged are ignored. It blocks
// until ctx is done or the watcher fails.
func (s *Server) WatchFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	last, _ := fileHash(path)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			sum, err := fileHash(path)
			if err != nil {
				slog.Warn("tether: read watched file failed", "path", path, "error", err)
				continue
			}
			if sum == last {
				continue
			}
			last = sum
			slog.Info("tether: watched file changed", "path", path)
			if _, err := s.Broadcast(ctx); err != nil && ctx.Err() == nil {
				slog.Error("tether: broadcast failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tether: file watcher error", "path", path, "error", err)
		}
	}
}

func fileHash(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
