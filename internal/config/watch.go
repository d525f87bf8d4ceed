package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WatchLogLevel follows path and passes logging.LEVEL to apply each time the
// file is written. Every other setting still needs a restart. The watch lasts
// for the life of the process.
func WatchLogLevel(path string, apply func(level string) error, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	current := v.GetString("logging.level")
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("logging.level")
		if level == "" || level == current {
			return
		}
		if err := validate.Var(level, "log_level"); err != nil {
			log.Warn("Ignoring invalid log level from config file",
				zap.String("file", e.Name),
				zap.String("level", level))
			return
		}
		if err := apply(level); err != nil {
			log.Warn("Failed to apply log level", zap.String("level", level), zap.Error(err))
			return
		}
		current = level
		log.Info("Log level changed", zap.String("level", level))
	})
	v.WatchConfig()
	return nil
}
