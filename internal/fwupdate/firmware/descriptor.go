package firmware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	infoPrefix       = "(bootloader) "
	imageCountPrefix = "image_count="
	oemVersionPrefix = "oem_version="
)

// Descriptor locates one partition image inside a combined package.
type Descriptor struct {
	Partition string
	Offset    uint64
	Size      uint64
}

// ImageKind classifies a descriptor by its partition name.
type ImageKind int

const (
	ImageFirmware ImageKind = iota
	ImageOem
	ImageCarrier
)

func (k ImageKind) String() string {
	switch k {
	case ImageOem:
		return "oem"
	case ImageCarrier:
		return "carrier"
	default:
		return "firmware"
	}
}

// Classify maps oem* partitions to OEM images, pri* to carrier images and
// everything else to firmware.
func Classify(partition string) ImageKind {
	switch {
	case strings.HasPrefix(partition, "oem"):
		return ImageOem
	case strings.HasPrefix(partition, "pri"):
		return ImageCarrier
	default:
		return ImageFirmware
	}
}

// ParseDescriptor parses "<partition>:0x<offset>:0x<size>", with or without
// the "(bootloader) " prefix of INFO output.
func ParseDescriptor(line string) (Descriptor, bool) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), infoPrefix))
	parts := strings.Split(line, ":")
	if len(parts) != 3 {
		return Descriptor{}, false
	}

	name := parts[0]
	if name == "" || strings.ContainsAny(name, " \t=") {
		return Descriptor{}, false
	}
	off, ok := parseHex(parts[1])
	if !ok {
		return Descriptor{}, false
	}
	size, ok := parseHex(parts[2])
	if !ok || size == 0 {
		return Descriptor{}, false
	}
	return Descriptor{Partition: name, Offset: off, Size: size}, true
}

func parseHex(s string) (uint64, bool) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	n, err := strconv.ParseUint(s[2:], 16, 64)
	return n, err == nil
}

// Table is a bounded list of descriptors of one kind.
type Table struct {
	kind    ImageKind
	max     int
	items   []Descriptor
	dropped int
}

func newTable(kind ImageKind, max int) *Table {
	return &Table{kind: kind, max: max}
}

func (t *Table) add(d Descriptor) {
	if len(t.items) >= t.max {
		if t.dropped == 0 {
			log.Error(fmt.Errorf("%s image table full at %d: %w", t.kind, t.max, errdefs.ErrResourceExhausted),
				"Dropping partition descriptor", "partition", d.Partition)
		}
		t.dropped++
		return
	}
	t.items = append(t.items, d)
}

// Items returns the accepted descriptors in report order.
func (t *Table) Items() []Descriptor { return t.items }

// Dropped counts descriptors refused because the table was full.
func (t *Table) Dropped() int { return t.dropped }

// Limits bounds the descriptor tables.
type Limits struct {
	Firmware int
	Oem      int
	Carrier  int
}

// Header is what the bootloader reports while flashing a package header.
type Header struct {
	ImageCount int
	OemVersion string

	Firmware *Table
	Oem      *Table
	Carrier  *Table
}

// ParseHeader scans bootloader output. Lines that are not INFO output or
// carry nothing of interest are ignored.
func ParseHeader(lines []string, limits Limits) *Header {
	h := &Header{
		Firmware: newTable(ImageFirmware, limits.Firmware),
		Oem:      newTable(ImageOem, limits.Oem),
		Carrier:  newTable(ImageCarrier, limits.Carrier),
	}

	for _, line := range lines {
		text, ok := strings.CutPrefix(line, infoPrefix)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)

		switch {
		case strings.HasPrefix(text, imageCountPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(text, imageCountPrefix))
			if err != nil {
				log.Warn("Malformed image count", "line", text)
				continue
			}
			h.ImageCount = n
		case strings.HasPrefix(text, oemVersionPrefix):
			h.OemVersion = strings.TrimPrefix(text, oemVersionPrefix)
		default:
			if d, ok := ParseDescriptor(text); ok {
				h.table(Classify(d.Partition)).add(d)
			}
		}
	}

	if found := h.Count(); h.ImageCount > 0 && h.ImageCount != found {
		log.Warn("Bootloader image count differs from descriptors", "imageCount", h.ImageCount, "descriptors", found)
	}
	return h
}

func (h *Header) table(k ImageKind) *Table {
	switch k {
	case ImageOem:
		return h.Oem
	case ImageCarrier:
		return h.Carrier
	default:
		return h.Firmware
	}
}

// Count returns the number of accepted and dropped descriptors.
func (h *Header) Count() int {
	n := 0
	for _, t := range []*Table{h.Firmware, h.Oem, h.Carrier} {
		n += len(t.items) + t.dropped
	}
	return n
}
