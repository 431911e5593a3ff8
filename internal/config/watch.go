package config

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes and passes every snapshot
// that validates to onChange. Invalid snapshots are logged and skipped. Returns
// false when no config file is in use and there is nothing to watch.
func Watch(configPath string, onChange func(*Config)) (bool, error) {
	v, err := newViper(configPath)
	if err != nil {
		return false, err
	}
	used := v.ConfigFileUsed()
	if used == "" {
		return false, nil
	}
	if _, err := os.Stat(used); err != nil {
		return false, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return true, nil
}
