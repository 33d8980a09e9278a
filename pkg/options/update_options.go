package options

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*UpdateOptions)(nil)

// UpdateOptions configures the firmware-update orchestrator.
type UpdateOptions struct {
	PackageDir string `json:"package-dir" mapstructure:"package-dir"`
	WorkDir    string `json:"work-dir" mapstructure:"work-dir"`

	// Persisted ceilings. Reaching either one blocks further attempts until
	// the counters are reset out of band.
	MaxUpdateRetries  int `json:"max-update-retries" mapstructure:"max-update-retries"`
	MaxHardwareResets int `json:"max-hardware-resets" mapstructure:"max-hardware-resets"`

	RetryInterval    time.Duration `json:"retry-interval" mapstructure:"retry-interval"`
	SettleDelay      time.Duration `json:"settle-delay" mapstructure:"settle-delay"`
	PortPollInterval time.Duration `json:"port-poll-interval" mapstructure:"port-poll-interval"`
	PortPolls        int           `json:"port-polls" mapstructure:"port-polls"`

	UnlockCommand  string        `json:"unlock-command" mapstructure:"unlock-command"`
	CommandTimeout time.Duration `json:"command-timeout" mapstructure:"command-timeout"`
	FlashTimeout   time.Duration `json:"flash-timeout" mapstructure:"flash-timeout"`

	PostFlashAttempts int `json:"post-flash-attempts" mapstructure:"post-flash-attempts"`

	MaxFirmwareImages int `json:"max-firmware-images" mapstructure:"max-firmware-images"`
	MaxOemImages      int `json:"max-oem-images" mapstructure:"max-oem-images"`
	MaxCarrierImages  int `json:"max-carrier-images" mapstructure:"max-carrier-images"`
}

func NewUpdateOptions() *UpdateOptions {
	return &UpdateOptions{
		PackageDir:        "/var/lib/modempeer/packages",
		WorkDir:           "/var/lib/modempeer/work",
		MaxUpdateRetries:  1,
		MaxHardwareResets: 5,
		RetryInterval:     60 * time.Second,
		SettleDelay:       5 * time.Second,
		PortPollInterval:  time.Second,
		PortPolls:         60,
		UnlockCommand:     "oem unlock",
		CommandTimeout:    5 * time.Second,
		FlashTimeout:      5 * time.Minute,
		PostFlashAttempts: 3,
		MaxFirmwareImages: 16,
		MaxOemImages:      8,
		MaxCarrierImages:  8,
	}
}

func (o *UpdateOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if !filepath.IsAbs(o.PackageDir) || !filepath.IsAbs(o.WorkDir) {
		errors = append(errors, fmt.Errorf("--update.package-dir and --update.work-dir must be absolute paths"))
	}
	if within(o.WorkDir, o.PackageDir) || within(o.PackageDir, o.WorkDir) {
		errors = append(errors, fmt.Errorf("--update.work-dir %q and --update.package-dir %q must not overlap", o.WorkDir, o.PackageDir))
	}
	if o.MaxUpdateRetries < 1 || o.MaxHardwareResets < 1 {
		errors = append(errors, fmt.Errorf("--update.max-update-retries and --update.max-hardware-resets must be at least 1"))
	}
	if o.PortPolls < 1 || o.PortPollInterval <= 0 {
		errors = append(errors, fmt.Errorf("--update.port-polls and --update.port-poll-interval must be positive"))
	}
	if o.RetryInterval <= 0 || o.CommandTimeout <= 0 || o.FlashTimeout <= 0 {
		errors = append(errors, fmt.Errorf("update intervals and timeouts must be positive"))
	}
	if o.PostFlashAttempts < 1 {
		errors = append(errors, fmt.Errorf("--update.post-flash-attempts must be at least 1"))
	}
	if o.MaxFirmwareImages < 1 || o.MaxOemImages < 1 || o.MaxCarrierImages < 1 {
		errors = append(errors, fmt.Errorf("image table sizes must be at least 1"))
	}
	if len(o.UnlockCommand) == 0 || len(o.UnlockCommand) > 64 {
		errors = append(errors, fmt.Errorf("--update.unlock-command must be 1 to 64 bytes"))
	}

	return errors
}

// ValidateStatusPath rejects a status file that lives under the work dir.
func (o *UpdateOptions) ValidateStatusPath(path string) []error {
	if o == nil || !within(o.WorkDir, path) {
		return nil
	}
	return []error{fmt.Errorf("--status.path %q must not be under --update.work-dir %q", path, o.WorkDir)}
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (o *UpdateOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.PackageDir, "update.package-dir", o.PackageDir, "Directory watched for update packages.")
	fs.StringVar(&o.WorkDir, "update.work-dir", o.WorkDir, "Directory for partition slices and temp files.")
	fs.IntVar(&o.MaxUpdateRetries, "update.max-update-retries", o.MaxUpdateRetries, "Failed attempts after which updates stop.")
	fs.IntVar(&o.MaxHardwareResets, "update.max-hardware-resets", o.MaxHardwareResets, "Hardware resets after which updates stop.")
	fs.DurationVar(&o.RetryInterval, "update.retry-interval", o.RetryInterval, "Poll interval of the retry monitor.")
	fs.DurationVar(&o.SettleDelay, "update.settle-delay", o.SettleDelay, "Delay after the mode switch before polling for the bootloader.")
	fs.DurationVar(&o.PortPollInterval, "update.port-poll-interval", o.PortPollInterval, "Interval between device port polls.")
	fs.IntVar(&o.PortPolls, "update.port-polls", o.PortPolls, "Number of device port polls before giving up.")
	fs.StringVar(&o.UnlockCommand, "update.unlock-command", o.UnlockCommand, "Bootloader command that unlocks flashing.")
	fs.DurationVar(&o.CommandTimeout, "update.command-timeout", o.CommandTimeout, "Timeout of a single post-flash AT command.")
	fs.DurationVar(&o.FlashTimeout, "update.flash-timeout", o.FlashTimeout, "Timeout of one bootloader action batch.")
	fs.IntVar(&o.PostFlashAttempts, "update.post-flash-attempts", o.PostFlashAttempts, "Attempts per post-flash configuration step.")
	fs.IntVar(&o.MaxFirmwareImages, "update.max-firmware-images", o.MaxFirmwareImages, "Firmware descriptors kept per header.")
	fs.IntVar(&o.MaxOemImages, "update.max-oem-images", o.MaxOemImages, "OEM descriptors kept per header.")
	fs.IntVar(&o.MaxCarrierImages, "update.max-carrier-images", o.MaxCarrierImages, "Carrier descriptors kept per header.")
}
