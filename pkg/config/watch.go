package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/filewatcher"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to fn. A
// file that fails to load or validate is logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := filewatcher.New([]string{path}, func(string) {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("Ignoring invalid config change", "path", path, "error", err)
			return
		}
		logger.Info("Config reloaded", "path", path)
		fn(cfg)
	}, filewatcher.WithLogger(logger), filewatcher.WithDebounce(watchDebounce))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
