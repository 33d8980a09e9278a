package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/modempeer/internal/fwupdate"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type UpdaterOptions struct {
	BusOptions    *options.BusOptions    `json:"bus" mapstructure:"bus"`
	DeviceOptions *options.DeviceOptions `json:"device" mapstructure:"device"`
	StatusOptions *options.StatusOptions `json:"status" mapstructure:"status"`
	UpdateOptions *options.UpdateOptions `json:"update" mapstructure:"update"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	DbusOptions   *options.DbusOptions   `json:"dbus" mapstructure:"dbus"`
	MqttOptions   *options.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	S3Options     *options.S3Options     `json:"s3" mapstructure:"s3"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*UpdaterOptions)(nil)

func NewUpdaterOptions() *UpdaterOptions {
	o := &UpdaterOptions{
		BusOptions:    options.NewBusOptions(),
		DeviceOptions: options.NewDeviceOptions(),
		StatusOptions: options.NewStatusOptions(),
		UpdateOptions: options.NewUpdateOptions(),
		HttpOptions:   options.NewHttpOptions(":9463"),
		DbusOptions:   options.NewDbusOptions(),
		MqttOptions:   options.NewMqttOptions(),
		S3Options:     options.NewS3Options(),
		Log:           log.NewOptions(),
	}

	return o
}

func (o *UpdaterOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.BusOptions.AddFlags(fss.FlagSet("bus"))
	o.DeviceOptions.AddFlags(fss.FlagSet("device"))
	o.StatusOptions.AddFlags(fss.FlagSet("status"))
	o.UpdateOptions.AddFlags(fss.FlagSet("update"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.DbusOptions.AddFlags(fss.FlagSet("dbus"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete derives the MQTT client id from the device type when unset.
func (o *UpdaterOptions) Complete() error {
	if o.MqttOptions.ClientID == "" {
		o.MqttOptions.ClientID = fmt.Sprintf("mpeer-fwupdate-%s", o.DeviceOptions.DeviceType)
	}
	return nil
}

func (o *UpdaterOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.BusOptions.Validate()...)
	errs = append(errs, o.DeviceOptions.Validate()...)
	errs = append(errs, o.StatusOptions.Validate()...)
	errs = append(errs, o.UpdateOptions.Validate()...)
	errs = append(errs, o.UpdateOptions.ValidateStatusPath(o.StatusOptions.Path)...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.DbusOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *UpdaterOptions) Config() (*fwupdate.Config, error) {
	return &fwupdate.Config{
		Bus:    o.BusOptions,
		Device: o.DeviceOptions,
		Status: o.StatusOptions,
		Update: o.UpdateOptions,
		Http:   o.HttpOptions,
		Dbus:   o.DbusOptions,
		Mqtt:   o.MqttOptions,
		S3:     o.S3Options,
	}, nil
}
