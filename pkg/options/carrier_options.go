package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CarrierOptions)(nil)

// CarrierOptions maps SIM home networks to carrier configurations.
type CarrierOptions struct {
	// Table maps an MCC+MNC prefix of the IMSI to a carrier name.
	Table map[string]string `json:"table" mapstructure:"table"`

	// Preferred is used when the SIM carrier cannot be resolved.
	Preferred string `json:"preferred" mapstructure:"preferred"`
}

func NewCarrierOptions() *CarrierOptions {
	return &CarrierOptions{
		Table: map[string]string{
			"310410": "ATT",
			"311480": "VERIZON",
			"310260": "TMOBILE",
			"302220": "TELUS",
			"302610": "BELL",
		},
		Preferred: "GENERIC",
	}
}

func (o *CarrierOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	for plmn := range o.Table {
		if len(plmn) < 5 || len(plmn) > 6 {
			errors = append(errors, fmt.Errorf("--carrier.table: %q is not an MCC+MNC prefix", plmn))
		}
	}
	if o.Preferred == "" {
		errors = append(errors, fmt.Errorf("--carrier.preferred must not be empty"))
	}

	return errors
}

func (o *CarrierOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringToStringVar(&o.Table, "carrier.table", o.Table, "MCC+MNC to carrier name mapping.")
	fs.StringVar(&o.Preferred, "carrier.preferred", o.Preferred, "Carrier used when the SIM carrier is unknown.")
}
