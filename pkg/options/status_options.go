package options

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StatusOptions)(nil)

// StatusOptions locates the persisted key=value status file.
type StatusOptions struct {
	Path string `json:"path" mapstructure:"path"`
}

func NewStatusOptions() *StatusOptions {
	return &StatusOptions{
		Path: "/var/lib/modempeer/status",
	}
}

func (o *StatusOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if !filepath.IsAbs(o.Path) {
		return []error{fmt.Errorf("--status.path must be an absolute path, got %q", o.Path)}
	}
	return nil
}

func (o *StatusOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Path, "status.path", o.Path, "Persisted update status file.")
}
