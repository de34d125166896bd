// Package filewatcher reports debounced changes to a fixed set of files.
// Parent directories are watched rather than the files themselves, so
// editors that save by rename are still seen.
package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher calls onChange once per burst of writes to a watched file.
type Watcher struct {
	files    map[string]struct{}
	onChange func(path string)
	logger   *slog.Logger
	debounce time.Duration
}

// New creates a Watcher for files. Paths are made absolute.
func New(files []string, onChange func(path string), opts ...Option) (*Watcher, error) {
	if len(files) == 0 {
		return nil, errors.New("filewatcher: no files to watch")
	}
	if onChange == nil {
		return nil, errors.New("filewatcher: nil callback")
	}
	w := &Watcher{
		files:    make(map[string]struct{}, len(files)),
		onChange: onChange,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("filewatcher: %s: %w", f, err)
		}
		w.files[abs] = struct{}{}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatcher: %w", err)
	}
	defer fsw.Close()

	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
		w.logger.Debug("Watching directory", "dir", dir)
	}

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)
			if _, watched := w.files[name]; watched {
				pending[name] = time.Now()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		case now := <-ticker.C:
			for file, at := range pending {
				if now.Sub(at) >= w.debounce {
					delete(pending, file)
					w.logger.Info("File changed", "file", file)
					w.onChange(file)
				}
			}
		}
	}
}
