package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/modempeer/internal/pref"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type PrefOptions struct {
	BusOptions     *options.BusOptions     `json:"bus" mapstructure:"bus"`
	CarrierOptions *options.CarrierOptions `json:"carrier" mapstructure:"carrier"`
	StatusOptions  *options.StatusOptions  `json:"status" mapstructure:"status"`
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	DbusOptions    *options.DbusOptions    `json:"dbus" mapstructure:"dbus"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*PrefOptions)(nil)

func NewPrefOptions() *PrefOptions {
	o := &PrefOptions{
		BusOptions:     options.NewBusOptions(),
		CarrierOptions: options.NewCarrierOptions(),
		StatusOptions:  options.NewStatusOptions(),
		HttpOptions:    options.NewHttpOptions(":9462"),
		DbusOptions:    options.NewDbusOptions(),
		Log:            log.NewOptions(),
	}

	return o
}

func (o *PrefOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.BusOptions.AddFlags(fss.FlagSet("bus"))
	o.CarrierOptions.AddFlags(fss.FlagSet("carrier"))
	o.StatusOptions.AddFlags(fss.FlagSet("status"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.DbusOptions.AddFlags(fss.FlagSet("dbus"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *PrefOptions) Complete() error {
	return nil
}

func (o *PrefOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.BusOptions.Validate()...)
	errs = append(errs, o.CarrierOptions.Validate()...)
	errs = append(errs, o.StatusOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.DbusOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *PrefOptions) Config() (*pref.Config, error) {
	return &pref.Config{
		Bus:     o.BusOptions,
		Carrier: o.CarrierOptions,
		Status:  o.StatusOptions,
		Http:    o.HttpOptions,
		Dbus:    o.DbusOptions,
	}, nil
}
