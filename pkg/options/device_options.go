package options

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DeviceOptions)(nil)

// DeviceOptions configures how device nodes of the module are found.
type DeviceOptions struct {
	DeviceType     string `json:"device-type" mapstructure:"device-type"`
	ControlGlob    string `json:"control-glob" mapstructure:"control-glob"`
	ATGlob         string `json:"at-glob" mapstructure:"at-glob"`
	BootloaderGlob string `json:"bootloader-glob" mapstructure:"bootloader-glob"`
}

func NewDeviceOptions() *DeviceOptions {
	return &DeviceOptions{
		DeviceType:     "generic",
		ControlGlob:    "/dev/cdc-wdm*",
		ATGlob:         "/dev/ttyUSB*",
		BootloaderGlob: "/dev/wwan_boot*",
	}
}

func (o *DeviceOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	for name, pattern := range map[string]string{
		"--device.control-glob":    o.ControlGlob,
		"--device.at-glob":         o.ATGlob,
		"--device.bootloader-glob": o.BootloaderGlob,
	} {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errors = append(errors, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors
}

func (o *DeviceOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.DeviceType, "device.device-type", o.DeviceType, "Device type reported for the module.")
	fs.StringVar(&o.ControlGlob, "device.control-glob", o.ControlGlob, "Glob matching the MBIM control device.")
	fs.StringVar(&o.ATGlob, "device.at-glob", o.ATGlob, "Glob matching the AT serial port.")
	fs.StringVar(&o.BootloaderGlob, "device.bootloader-glob", o.BootloaderGlob, "Glob matching the bootloader device node.")
}
