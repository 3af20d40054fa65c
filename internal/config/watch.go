package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch reloads path whenever it is written and hands the result to fn.
// The watch lives for the remainder of the process.
func Watch(path string, fn func(*Config, error)) error {
	if path == "" {
		return ErrNoConfigFile
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(Load(path))
	})
	v.WatchConfig()
	return nil
}
