package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/perch-dev/perch/internal/logger"
)

// Watch reloads the config whenever the file changes and hands the
// new config to onChange. The parent directory is watched rather than
// the file itself, since editors replace files on save. Returns a
// stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					// Partial writes produce transient parse errors;
					// keep the old config until a good one lands.
					logger.Warn("config reload failed", "path", path, "err", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
