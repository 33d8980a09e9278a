// Package firmware describes update packages: how they are found on disk,
// compared with the running version and cut into partition images.
package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/autopeer-io/modempeer/pkg/log"
)

// Kind of an update package.
type Kind string

const (
	KindFirmware Kind = "fw"
	KindOem      Kind = "oem"
)

const packageExt = ".img"

// Package is one combined image file in the package directory.
type Package struct {
	Kind    Kind
	Version string
	Path    string
}

// Name returns the file name of the package.
func (p Package) Name() string {
	return filepath.Base(p.Path)
}

// ParseName recognises fw_<version>.img and oem_<version>.img.
func ParseName(name string) (Kind, string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, packageExt) {
		return "", "", false
	}
	base := strings.TrimSuffix(name, packageExt)
	kind, version, ok := strings.Cut(base, "_")
	if !ok || version == "" {
		return "", "", false
	}
	switch Kind(kind) {
	case KindFirmware, KindOem:
		return Kind(kind), version, true
	default:
		return "", "", false
	}
}

// IsPackageName reports whether name is a package file name.
func IsPackageName(name string) bool {
	_, _, ok := ParseName(name)
	return ok
}

// Inventory is the content of the package directory.
type Inventory struct {
	// Firmware is the newest firmware package, nil when none.
	Firmware *Package
	// Oem holds every OEM package, newest first.
	Oem []Package
}

// LatestOem returns the newest OEM package, nil when none.
func (inv Inventory) LatestOem() *Package {
	if len(inv.Oem) == 0 {
		return nil
	}
	return &inv.Oem[0]
}

// OemInstalled reports whether token, the OEM version the modem runs, is
// part of any OEM package file name.
func (inv Inventory) OemInstalled(token string) bool {
	if token == "" {
		return false
	}
	for _, p := range inv.Oem {
		if strings.Contains(p.Name(), token) {
			return true
		}
	}
	return false
}

// Scan lists the packages in dir.
func Scan(dir string) (Inventory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Inventory{}, fmt.Errorf("read package dir: %w", err)
	}

	var inv Inventory
	var firmware []Package
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		kind, version, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		p := Package{Kind: kind, Version: version, Path: filepath.Join(dir, e.Name())}
		if kind == KindFirmware {
			firmware = append(firmware, p)
		} else {
			inv.Oem = append(inv.Oem, p)
		}
	}

	newestFirst := func(ps []Package) {
		sort.Slice(ps, func(i, j int) bool { return CompareVersions(ps[i].Version, ps[j].Version) > 0 })
	}
	newestFirst(firmware)
	newestFirst(inv.Oem)

	if len(firmware) > 0 {
		inv.Firmware = &firmware[0]
		if len(firmware) > 1 {
			log.Debug("Ignoring older firmware packages", "kept", firmware[0].Name(), "ignored", len(firmware)-1)
		}
	}
	return inv, nil
}
