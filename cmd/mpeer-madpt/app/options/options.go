package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/modempeer/internal/madpt"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type AdapterOptions struct {
	BusOptions    *options.BusOptions    `json:"bus" mapstructure:"bus"`
	DeviceOptions *options.DeviceOptions `json:"device" mapstructure:"device"`
	SerialOptions *options.SerialOptions `json:"serial" mapstructure:"serial"`
	MbimOptions   *options.MbimOptions   `json:"mbim" mapstructure:"mbim"`
	CliOptions    *options.CliOptions    `json:"cli" mapstructure:"cli"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	DbusOptions   *options.DbusOptions   `json:"dbus" mapstructure:"dbus"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*AdapterOptions)(nil)

func NewAdapterOptions() *AdapterOptions {
	o := &AdapterOptions{
		BusOptions:    options.NewBusOptions(),
		DeviceOptions: options.NewDeviceOptions(),
		SerialOptions: options.NewSerialOptions(),
		MbimOptions:   options.NewMbimOptions(),
		CliOptions:    options.NewCliOptions(),
		HttpOptions:   options.NewHttpOptions(":9461"),
		DbusOptions:   options.NewDbusOptions(),
		Log:           log.NewOptions(),
	}

	return o
}

func (o *AdapterOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.BusOptions.AddFlags(fss.FlagSet("bus"))
	o.DeviceOptions.AddFlags(fss.FlagSet("device"))
	o.SerialOptions.AddFlags(fss.FlagSet("serial"))
	o.MbimOptions.AddFlags(fss.FlagSet("mbim"))
	o.CliOptions.AddFlags(fss.FlagSet("cli"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.DbusOptions.AddFlags(fss.FlagSet("dbus"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *AdapterOptions) Complete() error {
	return nil
}

func (o *AdapterOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.BusOptions.Validate()...)
	errs = append(errs, o.DeviceOptions.Validate()...)
	errs = append(errs, o.SerialOptions.Validate()...)
	errs = append(errs, o.MbimOptions.Validate()...)
	errs = append(errs, o.CliOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.DbusOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AdapterOptions) Config() (*madpt.Config, error) {
	return &madpt.Config{
		Bus:    o.BusOptions,
		Device: o.DeviceOptions,
		Serial: o.SerialOptions,
		Mbim:   o.MbimOptions,
		Cli:    o.CliOptions,
		Http:   o.HttpOptions,
		Dbus:   o.DbusOptions,
	}, nil
}
