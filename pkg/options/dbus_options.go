package options

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DbusOptions)(nil)

// DbusOptions configures the system bus presence and the GPIO reset call.
type DbusOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// NamePrefix is suffixed with the daemon name to form the claimed bus name.
	NamePrefix string `json:"name-prefix" mapstructure:"name-prefix"`

	GpioDestination string `json:"gpio-destination" mapstructure:"gpio-destination"`
	GpioPath        string `json:"gpio-path" mapstructure:"gpio-path"`
	GpioMethod      string `json:"gpio-method" mapstructure:"gpio-method"`
	ResetLine       string `json:"reset-line" mapstructure:"reset-line"`
}

func NewDbusOptions() *DbusOptions {
	return &DbusOptions{
		Enabled:         true,
		NamePrefix:      "io.autopeer.ModemPeer",
		GpioDestination: "io.autopeer.Gpio",
		GpioPath:        "/io/autopeer/Gpio",
		GpioMethod:      "io.autopeer.Gpio.Pulse",
		ResetLine:       "wwan_reset",
	}
}

func (o *DbusOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if !strings.HasPrefix(o.GpioPath, "/") {
		errors = append(errors, fmt.Errorf("--dbus.gpio-path must start with '/', got %q", o.GpioPath))
	}
	if strings.LastIndex(o.GpioMethod, ".") <= 0 {
		errors = append(errors, fmt.Errorf("--dbus.gpio-method must be interface.Member, got %q", o.GpioMethod))
	}
	if o.NamePrefix == "" {
		errors = append(errors, fmt.Errorf("--dbus.name-prefix must not be empty"))
	}

	return errors
}

func (o *DbusOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "dbus.enabled", o.Enabled, "Claim a system bus name and send GPIO resets over D-Bus.")
	fs.StringVar(&o.NamePrefix, "dbus.name-prefix", o.NamePrefix, "Prefix of the well-known bus name claimed by the daemon.")
	fs.StringVar(&o.GpioDestination, "dbus.gpio-destination", o.GpioDestination, "Bus name of the GPIO service.")
	fs.StringVar(&o.GpioPath, "dbus.gpio-path", o.GpioPath, "Object path of the GPIO service.")
	fs.StringVar(&o.GpioMethod, "dbus.gpio-method", o.GpioMethod, "Method called to pulse the reset line.")
	fs.StringVar(&o.ResetLine, "dbus.reset-line", o.ResetLine, "Name of the module reset line.")
}
