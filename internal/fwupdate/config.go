package fwupdate

import (
	"github.com/autopeer-io/modempeer/pkg/options"
)

// Config is everything the update daemon needs to run.
type Config struct {
	Bus    *options.BusOptions
	Device *options.DeviceOptions
	Status *options.StatusOptions
	Update *options.UpdateOptions
	Http   *options.HttpOptions
	Dbus   *options.DbusOptions
	Mqtt   *options.MqttOptions
	S3     *options.S3Options
}

func (cfg *Config) NewUpdater() (*Updater, error) {
	return &Updater{
		cfg:      cfg,
		triggers: NewTrigger(),
	}, nil
}
