package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch calls fn with every valid edit of the file at path until ctx is done.
// Invalid edits are logged and skipped. The directory is watched rather than
// the file so editors that save by rename are picked up.
func Watch(ctx context.Context, path string, logger zerolog.Logger, fn func(Config)) error {
	log := logger.With().Str("component", "config").Logger()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	last, _ := LoadPartial(abs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warn().Err(err).Msg("ignoring invalid config edit")
				continue
			}
			if reflect.DeepEqual(cfg, last) {
				continue
			}
			last = cfg
			log.Info().Str("path", abs).Msg("config reloaded")
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}
