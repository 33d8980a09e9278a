package pref

import (
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type Config struct {
	Bus     *options.BusOptions
	Carrier *options.CarrierOptions
	Status  *options.StatusOptions
	Http    *options.HttpOptions
	Dbus    *options.DbusOptions
}

func (cfg *Config) NewPref() (*Pref, error) {
	store, err := status.Open(cfg.Status.Path)
	if err != nil {
		return nil, err
	}
	return &Pref{
		cfg:     cfg,
		store:   store,
		timeout: cfg.Bus.RequestTimeout,
		carrier: NewCarrierTable(cfg.Carrier.Table, cfg.Carrier.Preferred),
	}, nil
}
