package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watch reloads v whenever its config file changes and calls onChange with the
// decoded result. An invalid file is logged and the previous config stays
// active.
func Watch(v *viper.Viper, logger *zap.Logger, onChange func(*Config)) {
	logger = logger.Named("config")

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := Decode(v)
		if err != nil {
			logger.Error("Config reload failed, keeping previous config",
				zap.String("path", e.Name),
				zap.Error(err))
			return
		}

		logger.Info("Config reloaded", zap.String("path", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()

	logger.Info("Watching config for changes", zap.String("path", v.ConfigFileUsed()))
}
