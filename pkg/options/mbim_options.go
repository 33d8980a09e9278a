package options

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

var _ IOptions = (*MbimOptions)(nil)

// MbimOptions configures the MBIM control channel and its AT tunnel.
type MbimOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Device overrides the control device found by the device selector.
	Device string `json:"device" mapstructure:"device"`

	MaxControlTransfer uint32        `json:"max-control-transfer" mapstructure:"max-control-transfer"`
	OpenTimeout        time.Duration `json:"open-timeout" mapstructure:"open-timeout"`
	CloseTimeout       time.Duration `json:"close-timeout" mapstructure:"close-timeout"`

	// TunnelService and TunnelCID address the vendor AT tunnel.
	TunnelService string `json:"tunnel-service" mapstructure:"tunnel-service"`
	TunnelCID     uint32 `json:"tunnel-cid" mapstructure:"tunnel-cid"`

	// ErrorCeiling is the consecutive error count that reopens the connection.
	ErrorCeiling int `json:"error-ceiling" mapstructure:"error-ceiling"`
}

func NewMbimOptions() *MbimOptions {
	return &MbimOptions{
		Enabled:            true,
		MaxControlTransfer: 4096,
		OpenTimeout:        30 * time.Second,
		CloseTimeout:       5 * time.Second,
		TunnelService:      "d1a30bc2-f97a-6e43-bf65-c7e24fb0f0d3",
		TunnelCID:          1,
		ErrorCeiling:       2,
	}
}

func (o *MbimOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if _, err := uuid.Parse(o.TunnelService); err != nil {
		errors = append(errors, fmt.Errorf("--mbim.tunnel-service: %w", err))
	}
	if o.MaxControlTransfer < 64 {
		errors = append(errors, fmt.Errorf("--mbim.max-control-transfer must be at least 64, got %d", o.MaxControlTransfer))
	}
	if o.ErrorCeiling < 1 {
		errors = append(errors, fmt.Errorf("--mbim.error-ceiling must be at least 1"))
	}
	if o.OpenTimeout <= 0 || o.CloseTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--mbim.open-timeout and --mbim.close-timeout must be positive"))
	}

	return errors
}

func (o *MbimOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "mbim.enabled", o.Enabled, "Probe the MBIM control device as AT transport.")
	fs.StringVar(&o.Device, "mbim.device", o.Device, "MBIM control device. Empty uses the device selector.")
	fs.Uint32Var(&o.MaxControlTransfer, "mbim.max-control-transfer", o.MaxControlTransfer, "Max control transfer size announced in OPEN.")
	fs.DurationVar(&o.OpenTimeout, "mbim.open-timeout", o.OpenTimeout, "How long to wait for OPEN_DONE.")
	fs.DurationVar(&o.CloseTimeout, "mbim.close-timeout", o.CloseTimeout, "How long to wait for CLOSE_DONE.")
	fs.StringVar(&o.TunnelService, "mbim.tunnel-service", o.TunnelService, "Service UUID of the vendor AT tunnel.")
	fs.Uint32Var(&o.TunnelCID, "mbim.tunnel-cid", o.TunnelCID, "CID of the vendor AT tunnel.")
	fs.IntVar(&o.ErrorCeiling, "mbim.error-ceiling", o.ErrorCeiling, "Consecutive errors before the MBIM connection is reopened.")
}
