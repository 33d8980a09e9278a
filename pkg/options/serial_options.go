package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SerialOptions)(nil)

// SerialOptions configures the raw serial AT transport.
type SerialOptions struct {
	// Port overrides the AT port found by the device selector.
	Port     string `json:"port" mapstructure:"port"`
	BaudRate int    `json:"baud-rate" mapstructure:"baud-rate"`

	// ReadTimeout is the per-read timeout while collecting a reply.
	ReadTimeout time.Duration `json:"read-timeout" mapstructure:"read-timeout"`
}

func NewSerialOptions() *SerialOptions {
	return &SerialOptions{
		BaudRate:    115200,
		ReadTimeout: 200 * time.Millisecond,
	}
}

func (o *SerialOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.BaudRate <= 0 {
		errors = append(errors, fmt.Errorf("--serial.baud-rate must be positive, got %d", o.BaudRate))
	}
	if o.ReadTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--serial.read-timeout must be positive"))
	}

	return errors
}

func (o *SerialOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Port, "serial.port", o.Port, "AT serial port. Empty uses the device selector.")
	fs.IntVar(&o.BaudRate, "serial.baud-rate", o.BaudRate, "AT serial port baud rate.")
	fs.DurationVar(&o.ReadTimeout, "serial.read-timeout", o.ReadTimeout, "Per-read timeout on the AT serial port.")
}
