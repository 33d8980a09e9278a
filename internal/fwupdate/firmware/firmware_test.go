package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		line string
		want Descriptor
		ok   bool
	}{
		{"(bootloader) slot_a:0x00000100:0x00001000", Descriptor{"slot_a", 256, 4096}, true},
		{"modem:0x400:0x20", Descriptor{"modem", 1024, 32}, true},
		{"(bootloader) pri:0X10:0X10", Descriptor{"pri", 16, 16}, true},
		{"(bootloader) slot_a:256:4096", Descriptor{}, false},
		{"(bootloader) slot_a:0x100", Descriptor{}, false},
		{"(bootloader) slot_a:0x100:0x0", Descriptor{}, false},
		{"(bootloader) :0x100:0x10", Descriptor{}, false},
		{"(bootloader) image_count=3", Descriptor{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDescriptor(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseDescriptor(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseHeader(t *testing.T) {
	lines := []string{
		"(bootloader) image_count=5",
		"(bootloader) oem_version=ACME_02.01",
		"(bootloader) modem:0x00000400:0x00000100",
		"(bootloader) oem_cfg:0x00000500:0x00000080",
		"(bootloader) pri:0x00000580:0x00000040",
		"(bootloader) boot:0x000005c0:0x00000040",
		"(bootloader) oem_extra:0x00000600:0x00000010",
		"download OKAY [  0.001s]",
	}
	h := ParseHeader(lines, Limits{Firmware: 4, Oem: 1, Carrier: 2})

	if h.ImageCount != 5 || h.OemVersion != "ACME_02.01" {
		t.Errorf("header = count %d oem %q", h.ImageCount, h.OemVersion)
	}
	if got := len(h.Firmware.Items()); got != 2 {
		t.Errorf("firmware images = %d", got)
	}
	if got := h.Oem.Items(); len(got) != 1 || got[0].Partition != "oem_cfg" || h.Oem.Dropped() != 1 {
		t.Errorf("oem table = %+v dropped %d", got, h.Oem.Dropped())
	}
	if got := h.Carrier.Items(); len(got) != 1 || got[0].Partition != "pri" {
		t.Errorf("carrier table = %+v", got)
	}
	if h.Count() != 5 {
		t.Errorf("Count() = %d", h.Count())
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"02.14.03.00", "02.14.03.00", 0},
		{"02.14.03.00", "02.14.10.00", -1},
		{"2.10", "2.9", 1},
		{"1.0", "1.0.1", -1},
		{"SWI9X50C_01.14.03.00", "SWI9X50C_01.14.02.00", 1},
		{"1.0-rc1", "1.0-rc2", -1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestOemToken(t *testing.T) {
	tests := map[string]string{
		"ACME_02.01":                "ACME_02.01",
		"OEM: ACME_02.01 (built x)": "ACME_02.01",
		"  ":                        "",
	}
	for in, want := range tests {
		if got := OemToken(in); got != want {
			t.Errorf("OemToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"fw_02.14.03.00.img", "fw_02.14.10.00.img", "oem_ACME_02.01.img", "oem_ACME_01.09.img", "readme.txt", ".fw_9.img.part"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	inv, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if inv.Firmware == nil || inv.Firmware.Version != "02.14.10.00" {
		t.Fatalf("Firmware = %+v", inv.Firmware)
	}
	if inv.LatestOem().Version != "ACME_02.01" || len(inv.Oem) != 2 {
		t.Errorf("Oem = %+v", inv.Oem)
	}
	if !inv.OemInstalled("ACME_01.09") || inv.OemInstalled("ACME_03.00") || inv.OemInstalled("") {
		t.Error("OemInstalled() substring rule")
	}
}

func TestSlicer(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, HeaderSize+64)
	for i := range data {
		data[i] = byte(i)
	}
	src := filepath.Join(dir, "fw_1.img")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := OpenSlicer(src)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	hdr := filepath.Join(dir, "header")
	if err := s.Header(hdr); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(hdr); !bytes.Equal(got, data[:HeaderSize]) {
		t.Error("header slice differs")
	}

	img := filepath.Join(dir, "modem")
	if err := s.Extract(Descriptor{"modem", HeaderSize, 32}, img); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(img); !bytes.Equal(got, data[HeaderSize:HeaderSize+32]) {
		t.Error("extracted region differs")
	}

	pri := filepath.Join(dir, "pri")
	_ = s.Append(Descriptor{"pri", HeaderSize, 16}, pri)
	_ = s.Append(Descriptor{"pri", HeaderSize + 48, 16}, pri)
	want := append(append([]byte{}, data[HeaderSize:HeaderSize+16]...), data[HeaderSize+48:HeaderSize+64]...)
	if got, _ := os.ReadFile(pri); !bytes.Equal(got, want) {
		t.Error("appended carrier image differs")
	}

	if err := s.Extract(Descriptor{"big", HeaderSize, 4096}, img); err == nil {
		t.Error("Extract() accepted a region past the end")
	}
}

func TestParseName(t *testing.T) {
	if k, v, ok := ParseName("fw_02.14.img"); !ok || k != KindFirmware || v != "02.14" {
		t.Errorf("ParseName(fw) = %v %q %v", k, v, ok)
	}
	for _, bad := range []string{"fw_.img", "fw.img", "boot_1.img", ".oem_1.img", "fw_1.bin"} {
		if IsPackageName(bad) {
			t.Errorf("IsPackageName(%q) = true", bad)
		}
	}
}
