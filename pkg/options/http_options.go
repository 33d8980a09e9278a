package options

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the /healthz, /readyz, /metrics and /loglevel
// listener of a daemon.
type HttpOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Network is "tcp" or "unix". With "unix", Addr is a socket path.
	Network string `json:"network" mapstructure:"network"`
	Addr    string `json:"addr" mapstructure:"addr"`

	ReadHeaderTimeout time.Duration `json:"read-header-timeout" mapstructure:"read-header-timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHttpOptions listens on addr over TCP. Each daemon passes its own port.
func NewHttpOptions(addr string) *HttpOptions {
	return &HttpOptions{
		Enabled:           true,
		Network:           "tcp",
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

func (o *HttpOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errs []error
	switch o.Network {
	case "tcp", "tcp4", "tcp6":
		if err := ValidateAddress(o.Addr); err != nil {
			errs = append(errs, fmt.Errorf("--http.addr: %w", err))
		}
	case "unix":
		if !filepath.IsAbs(o.Addr) {
			errs = append(errs, fmt.Errorf("--http.addr must be an absolute socket path, got %q", o.Addr))
		}
	default:
		errs = append(errs, fmt.Errorf("--http.network: unsupported network %q", o.Network))
	}
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--http.shutdown-timeout must be positive"))
	}
	return errs
}

func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "http.enabled", o.Enabled, "Serve health, metrics and log level endpoints.")
	fs.StringVar(&o.Network, "http.network", o.Network, "tcp, or unix to listen on a socket path.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Listen address, host:port or a socket path.")
	fs.DurationVar(&o.ReadHeaderTimeout, "http.read-header-timeout", o.ReadHeaderTimeout, "Time allowed to read request headers.")
	fs.DurationVar(&o.ShutdownTimeout, "http.shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout.")
}
