package options

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*BusOptions)(nil)

// BusOptions configures the inter-daemon datagram bus.
type BusOptions struct {
	// RuntimeDir holds one socket per daemon identity.
	RuntimeDir string `json:"runtime-dir" mapstructure:"runtime-dir"`

	// RequestTimeout bounds a request awaiting its reply.
	RequestTimeout time.Duration `json:"request-timeout" mapstructure:"request-timeout"`
}

func NewBusOptions() *BusOptions {
	return &BusOptions{
		RuntimeDir:     "/run/modempeer",
		RequestTimeout: 8 * time.Second,
	}
}

func (o *BusOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if !filepath.IsAbs(o.RuntimeDir) {
		errors = append(errors, fmt.Errorf("--bus.runtime-dir must be an absolute path, got %q", o.RuntimeDir))
	}
	if o.RequestTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--bus.request-timeout must be positive"))
	}

	return errors
}

func (o *BusOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.RuntimeDir, "bus.runtime-dir", o.RuntimeDir, "Directory holding the bus sockets of every daemon.")
	fs.DurationVar(&o.RequestTimeout, "bus.request-timeout", o.RequestTimeout, "How long a request waits for its reply.")
}
