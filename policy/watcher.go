package policy

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads e whenever the file at path changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up too.
func (e *Engine) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info().Str("path", abs).Msg("watching dispatch policy")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("policy watcher error")
		case <-pending:
			pending = nil
			e.reloadFile(ctx, abs)
		}
	}
}

func (e *Engine) reloadFile(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read dispatch policy")
		return
	}
	if err := e.Reload(ctx, string(content)); err != nil {
		log.Error().Err(err).Str("path", path).Msg("dispatch policy rejected, keeping previous")
		return
	}
	log.Info().Str("path", path).Msg("dispatch policy reloaded")
}
