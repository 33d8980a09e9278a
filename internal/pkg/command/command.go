// Package command is the closed command-id table of the modem bus: the
// destination of every id, its name and, for modem-adapter ids, the AT
// template it is dispatched as.
package command

import (
	"fmt"
	"strconv"
)

// ID identifies an operation routed over the bus.
type ID uint32

// Range bases. Ids are base+1 .. base+count.
const (
	prefBase  ID = 0x0100
	madptBase ID = 0x0200
)

const CidInvalid ID = 0

const (
	CidPrefGetPreferredCarrier ID = prefBase + 1 + iota
	CidPrefGetSimCarrier
	CidPrefUpdateStarted
	CidPrefUpdateFinished
	prefEnd
)

const (
	CidMadptGetIMSI ID = madptBase + 1 + iota
	CidMadptEchoOff
	CidMadptGetModemInfo
	CidMadptGetFwVersion
	CidMadptGetOemVersion
	CidMadptGetSKU
	CidMadptGetCarrier
	CidMadptGetSerial
	CidMadptSetPreferredCarrier
	CidMadptSetOemVersion
	CidMadptDeleteTuneCode
	CidMadptSwitchToBootloader
	CidMadptSetRadio
	CidMadptReset
	madptEnd
)

var prefNames = [...]string{
	"PREF_GET_PREFERRED_CARRIER",
	"PREF_GET_SIM_CARRIER",
	"PREF_UPDATE_STARTED",
	"PREF_UPDATE_FINISHED",
}

// Destination routes id by its range. Ids outside every range go to
// IdentityInvalid.
func Destination(id ID) Identity {
	switch {
	case id > prefBase && id < prefEnd:
		return IdentityPref
	case id > madptBase && id < madptEnd:
		return IdentityMadpt
	default:
		return IdentityInvalid
	}
}

// Name returns the human-readable name of id.
func (id ID) Name() string {
	switch Destination(id) {
	case IdentityPref:
		return prefNames[id-prefBase-1]
	case IdentityMadpt:
		return atTable[id-madptBase-1].name
	default:
		return "INVALID"
	}
}

func (id ID) String() string {
	return fmt.Sprintf("%s(0x%04x)", id.Name(), uint32(id))
}

// Valid reports whether id belongs to a routed range.
func (id ID) Valid() bool {
	return Destination(id) != IdentityInvalid
}

// Parse accepts a decimal or 0x-prefixed id, or a command name.
func Parse(s string) (ID, error) {
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		id := ID(n)
		if !id.Valid() {
			return CidInvalid, fmt.Errorf("command id 0x%04x is not routed", n)
		}
		return id, nil
	}
	for _, id := range All() {
		if id.Name() == s {
			return id, nil
		}
	}
	return CidInvalid, fmt.Errorf("unknown command %q", s)
}

// All returns every routed id, pref range first.
func All() []ID {
	ids := make([]ID, 0, int(prefEnd-prefBase-1)+int(madptEnd-madptBase-1))
	for id := prefBase + 1; id < prefEnd; id++ {
		ids = append(ids, id)
	}
	for id := madptBase + 1; id < madptEnd; id++ {
		ids = append(ids, id)
	}
	return ids
}
