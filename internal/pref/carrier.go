package pref

import "strings"

// CarrierTable maps the home network of a SIM to a carrier name.
type CarrierTable struct {
	plmn      map[string]string
	preferred string
}

func NewCarrierTable(plmn map[string]string, preferred string) *CarrierTable {
	return &CarrierTable{plmn: plmn, preferred: preferred}
}

// Lookup resolves the carrier of imsi. Three-digit MNCs are tried before
// two-digit ones.
func (c *CarrierTable) Lookup(imsi string) (string, bool) {
	imsi = strings.TrimSpace(imsi)
	for _, r := range imsi {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	for _, n := range []int{6, 5} {
		if len(imsi) < n {
			continue
		}
		if carrier, ok := c.plmn[imsi[:n]]; ok {
			return carrier, true
		}
	}
	return "", false
}

// Preferred is the fallback carrier.
func (c *CarrierTable) Preferred() string {
	return c.preferred
}
