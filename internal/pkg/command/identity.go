package command

// Identity names a daemon endpoint on the bus.
type Identity uint32

const (
	IdentityInvalid Identity = iota
	IdentityCore
	IdentityMadpt
	IdentityPref
	IdentityFwupdate
	IdentityUnlock
)

// InvalidName is the sentinel path of identities outside the known set.
const InvalidName = "/wwan_invalid"

var identityNames = map[Identity]string{
	IdentityCore:     "/wwan_core",
	IdentityMadpt:    "/wwan_madpt",
	IdentityPref:     "/wwan_pref",
	IdentityFwupdate: "/wwan_fwupdate",
	IdentityUnlock:   "/wwan_unlock",
}

// Name returns the fixed path-like name of the identity.
func (i Identity) Name() string {
	if n, ok := identityNames[i]; ok {
		return n
	}
	return InvalidName
}

// Valid reports whether i is one of the known identities.
func (i Identity) Valid() bool {
	_, ok := identityNames[i]
	return ok
}

func (i Identity) String() string {
	if !i.Valid() {
		return "invalid"
	}
	return identityNames[i][len("/wwan_"):]
}

// ParseIdentity maps a short name such as "madpt" to its identity.
func ParseIdentity(s string) Identity {
	for id := range identityNames {
		if id.String() == s {
			return id
		}
	}
	return IdentityInvalid
}

// Identities returns every valid identity in ascending order.
func Identities() []Identity {
	return []Identity{IdentityCore, IdentityMadpt, IdentityPref, IdentityFwupdate, IdentityUnlock}
}
