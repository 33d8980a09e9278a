package options

import (
	"github.com/spf13/pflag"
)

var _ IOptions = (*CliOptions)(nil)

// CliOptions configures the vendor CLI AT transport.
type CliOptions struct {
	// Binary is looked up in PATH during the transport probe.
	Binary string `json:"binary" mapstructure:"binary"`

	// Args precede the AT command text on the command line.
	Args []string `json:"args" mapstructure:"args"`
}

func NewCliOptions() *CliOptions {
	return &CliOptions{
		Binary: "modem-at",
		Args:   []string{"--command"},
	}
}

func (o *CliOptions) Validate() []error {
	return nil
}

func (o *CliOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Binary, "cli.binary", o.Binary, "Vendor CLI used to send AT commands. Empty disables the transport.")
	fs.StringSliceVar(&o.Args, "cli.args", o.Args, "Arguments passed before the AT command text.")
}
