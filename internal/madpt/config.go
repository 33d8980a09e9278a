package madpt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/autopeer-io/modempeer/pkg/options"
)

// Config is everything the modem adapter needs to run.
type Config struct {
	Bus    *options.BusOptions
	Device *options.DeviceOptions
	Serial *options.SerialOptions
	Mbim   *options.MbimOptions
	Cli    *options.CliOptions
	Http   *options.HttpOptions
	Dbus   *options.DbusOptions
}

func (cfg *Config) NewAdapter() (*Adapter, error) {
	service, err := uuid.Parse(cfg.Mbim.TunnelService)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel service: %w", err)
	}

	return &Adapter{
		cfg:     cfg,
		service: service,
	}, nil
}
