package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/vjranagit/tmarchive/pkg/log"
)

// Watch reloads the file at path whenever it is written and calls onChange
// with the new configuration. A file that fails to load or validate is
// logged and skipped. Watch runs until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save by rename, which shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.Error(err).Str("path", path).Msg("Config reload failed, keeping previous config")
				continue
			}

			log.Info().Str("path", path).Msg("Config reloaded")
			onChange(cfg)

			// The inode changes on atomic saves.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err).Msg("Config watcher error")
		}
	}
}
