package options

import (
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type CtlOptions struct {
	BusOptions    *options.BusOptions    `json:"bus" mapstructure:"bus"`
	StatusOptions *options.StatusOptions `json:"status" mapstructure:"status"`
	MqttOptions   *options.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	Log           *log.Options           `json:"log" mapstructure:"log"`

	// Units are the daemon units reported by status.
	Units []string `json:"units" mapstructure:"units"`
}

var _ app.NamedFlagSetOptions = (*CtlOptions)(nil)

func NewCtlOptions() *CtlOptions {
	o := &CtlOptions{
		BusOptions:    options.NewBusOptions(),
		StatusOptions: options.NewStatusOptions(),
		MqttOptions:   options.NewMqttOptions(),
		Log:           log.NewOptions(),
		Units:         []string{"mpeer-madpt", "mpeer-pref", "mpeer-fwupdate"},
	}
	o.MqttOptions.ClientID = "mpeerctl"
	return o
}

func (o *CtlOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.addFlags(fss.FlagSet("mpeerctl"))
	o.BusOptions.AddFlags(fss.FlagSet("bus"))
	o.StatusOptions.AddFlags(fss.FlagSet("status"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *CtlOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&o.Units, "units", o.Units, "Daemon units reported by status.")
}

// Complete installs the logger; every subcommand runs after it.
func (o *CtlOptions) Complete() error {
	log.Init(o.Log)
	return nil
}

func (o *CtlOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.BusOptions.Validate()...)
	errs = append(errs, o.StatusOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}
