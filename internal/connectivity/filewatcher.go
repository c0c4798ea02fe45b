package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/tvsync/internal/logging"
)

// FileWatcher drives a Monitor from a status file holding "online" or
// "offline", as written by a network hook. A missing file means offline.
type FileWatcher struct {
	monitor *Monitor
	path    string
	logger  logging.Logger
}

func NewFileWatcher(monitor *Monitor, path string, logger logging.Logger) *FileWatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileWatcher{monitor: monitor, path: filepath.Clean(path), logger: logger}
}

// ReadStatus parses the status file.
func (w *FileWatcher) ReadStatus() (bool, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return parseStatus(string(data))
}

func parseStatus(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized connectivity status %q", strings.TrimSpace(raw))
	}
}

// Run applies the current status and then every change to the file until ctx
// ends. The parent directory is watched so replace-by-rename writes are seen.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.apply(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.apply(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "status file watch error", "path", w.path, "err", err)
		}
	}
}

func (w *FileWatcher) apply(ctx context.Context) {
	online, err := w.ReadStatus()
	if err != nil {
		w.logger.Warn(ctx, "ignoring status file", "path", w.path, "err", err)
		return
	}
	w.monitor.Set(online)
}
