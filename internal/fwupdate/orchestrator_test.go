package fwupdate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/internal/fwupdate/notifier"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/device"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/fastboot"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// fakeBootloader answers bootloader commands the way a module does.
type fakeBootloader struct {
	info   []string
	failOn string

	pending   []string
	remaining int
	commands  []string
	payload   int
	closed    bool
}

func (d *fakeBootloader) Write(b []byte) (int, error) {
	if d.remaining > 0 {
		d.remaining -= len(b)
		d.payload += len(b)
		if d.remaining <= 0 {
			d.remaining = 0
			d.pending = append(d.pending, "OKAY")
		}
		return len(b), nil
	}

	cmd := string(b)
	d.commands = append(d.commands, cmd)
	switch {
	case cmd == d.failOn:
		d.pending = append(d.pending, "FAILrejected")
	case strings.HasPrefix(cmd, "download:"):
		n, _ := strconv.ParseUint(strings.TrimPrefix(cmd, "download:"), 16, 32)
		d.remaining = int(n)
		d.pending = append(d.pending, "DATA"+strings.TrimPrefix(cmd, "download:"))
	case cmd == "flash:header":
		for _, l := range d.info {
			d.pending = append(d.pending, "INFO"+l)
		}
		d.pending = append(d.pending, "OKAY")
	default:
		d.pending = append(d.pending, "OKAY")
	}
	return len(b), nil
}

func (d *fakeBootloader) Read(b []byte) (int, error) {
	if len(d.pending) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	r := d.pending[0]
	d.pending = d.pending[1:]
	return copy(b, r), nil
}

func (d *fakeBootloader) WaitDisconnect(ctx context.Context) error { return nil }

func (d *fakeBootloader) Close() error {
	d.closed = true
	return nil
}

// fakeRequester replays scripted replies. The last reply of a command is
// repeated once its script runs out.
type fakeRequester struct {
	replies map[command.ID][]string
	errs    map[command.ID]error
	calls   []command.ID
	content map[command.ID]string
}

func (r *fakeRequester) Request(_ context.Context, cid command.ID, content string, _ time.Duration) (message.Message, error) {
	r.calls = append(r.calls, cid)
	if r.content == nil {
		r.content = map[command.ID]string{}
	}
	r.content[cid] = content
	if err := r.errs[cid]; err != nil {
		return message.Message{Command: cid, Status: message.StatusError}, err
	}
	reply := message.Message{Command: cid, Status: message.StatusOk}
	if script := r.replies[cid]; len(script) > 0 {
		reply.Response = script[0]
		if len(script) > 1 {
			r.replies[cid] = script[1:]
		}
	}
	return reply, nil
}

func (r *fakeRequester) called(cid command.ID) bool {
	return slices.Contains(r.calls, cid)
}

type stubSelector struct {
	bootloaderPresent bool
	waitErr           map[device.PortKind]error
	invalidated       int
}

func (s *stubSelector) DeviceType() string               { return "em9191" }
func (s *stubSelector) FindControlPort() (string, error) { return "/dev/cdc-wdm0", nil }
func (s *stubSelector) FindATPort() (string, error)      { return "/dev/ttyUSB2", nil }
func (s *stubSelector) Invalidate()                      { s.invalidated++ }

func (s *stubSelector) FindBootloaderPort() (string, error) {
	if s.bootloaderPresent {
		return "/dev/fastboot0", nil
	}
	return "", errdefs.ErrTransportUnavailable
}

func (s *stubSelector) WaitForPort(_ context.Context, kind device.PortKind, _ time.Duration, _ int) (string, error) {
	if err := s.waitErr[kind]; err != nil {
		return "", err
	}
	if kind == device.PortBootloader {
		return "/dev/fastboot0", nil
	}
	return "/dev/cdc-wdm0", nil
}

type countingResetter struct{ resets int }

func (r *countingResetter) Reset(context.Context) error {
	r.resets++
	return nil
}

type recordingNotifier struct{ states []string }

func (n *recordingNotifier) Notify(_ context.Context, p notifier.Progress) error {
	n.states = append(n.states, p.State)
	return nil
}

type fixture struct {
	opts       *options.UpdateOptions
	store      *status.Store
	requester  *fakeRequester
	selector   *stubSelector
	resetter   *countingResetter
	notifier   *recordingNotifier
	bootloader *fakeBootloader
	opens      int
	orch       *Orchestrator
}

// newFixture lays out one firmware package of 2 KiB: the header, a modem
// partition, an OEM partition and a carrier partition.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	opts := options.NewUpdateOptions()
	opts.PackageDir = filepath.Join(dir, "packages")
	opts.WorkDir = filepath.Join(dir, "work")
	opts.SettleDelay = 0
	opts.PortPollInterval = time.Millisecond
	opts.CommandTimeout = time.Second
	opts.FlashTimeout = 5 * time.Second

	if err := os.MkdirAll(opts.PackageDir, 0o755); err != nil {
		t.Fatal(err)
	}
	pkg := make([]byte, 0x800)
	for i := range pkg {
		pkg[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(opts.PackageDir, "fw_2.0.img"), pkg, 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := status.Open(filepath.Join(dir, "status"))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		opts:  opts,
		store: store,
		requester: &fakeRequester{
			replies: map[command.ID][]string{
				command.CidMadptGetSerial:     {"SN123"},
				command.CidMadptGetFwVersion:  {"1.0", "2.0"},
				command.CidMadptGetOemVersion: {"OEM: ACME_01"},
				command.CidMadptGetModemInfo:  {"Model: EM9191\nRevision: R1"},
				command.CidPrefGetSimCarrier:  {"ATT"},
			},
			errs: map[command.ID]error{},
		},
		selector: &stubSelector{waitErr: map[device.PortKind]error{}},
		resetter: &countingResetter{},
		notifier: &recordingNotifier{},
		bootloader: &fakeBootloader{info: []string{
			"image_count=3",
			"modem:0x00000400:0x00000200",
			"oem_cfg:0x00000600:0x00000100",
			"pri_att:0x00000700:0x00000100",
		}},
	}
	n := notifier.Multi{f.notifier, notifier.NewStatusNotifier(store)}
	f.orch = NewOrchestrator(opts, store, f.requester, f.selector, f.resetter, n,
		WithTransportOpener(func(path string) (fastboot.Transport, error) {
			f.opens++
			return f.bootloader, nil
		}))
	return f
}

func TestStartUpdateProcessSuccess(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.StartUpdateProcess(context.Background()); err != nil {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}

	wantCommands := []string{
		"oem unlock",
		"download:00000400", "flash:header",
		"download:00000200", "flash:modem",
		"download:00000100", "flash:oem_cfg",
		"download:00000100", "flash:pri_att",
		"reboot",
	}
	if !slices.Equal(f.bootloader.commands, wantCommands) {
		t.Errorf("bootloader commands = %q\nwant %q", f.bootloader.commands, wantCommands)
	}
	if f.bootloader.payload != 0x400+0x200+0x100+0x100 {
		t.Errorf("payload bytes = %#x", f.bootloader.payload)
	}
	if !f.bootloader.closed {
		t.Error("bootloader transport not closed")
	}

	for _, cid := range []command.ID{
		command.CidPrefUpdateStarted,
		command.CidMadptSwitchToBootloader,
		command.CidMadptSetPreferredCarrier,
		command.CidMadptDeleteTuneCode,
		command.CidPrefUpdateFinished,
	} {
		if !f.requester.called(cid) {
			t.Errorf("%s was not requested", cid.Name())
		}
	}
	if got := f.requester.content[command.CidMadptSetPreferredCarrier]; got != "ATT" {
		t.Errorf("preferred carrier set to %q", got)
	}
	if f.requester.called(command.CidMadptSetOemVersion) {
		t.Error("OEM version set without an OEM package")
	}
	if got := f.requester.content[command.CidPrefUpdateFinished]; got != "ok" {
		t.Errorf("finish notification = %q", got)
	}

	if f.notifier.states[0] != StateSwitchToBootloader || f.notifier.states[len(f.notifier.states)-1] != StateDone {
		t.Errorf("reported states = %v", f.notifier.states)
	}

	v := f.store.Snapshot()
	if v.Int(status.KeyRetryCount) != 0 || v.Int(status.KeyHwResetCount) != 0 || v.Bool(status.KeyNeedRetry) {
		t.Errorf("counters after success = %v", v)
	}
	if v[status.KeyState] != StateDone || v[status.KeyProgress] != "100" {
		t.Errorf("status after success = %v", v)
	}

	entries, _ := os.ReadDir(f.opts.WorkDir)
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned: %d entries", len(entries))
	}
}

// downloadBefore returns the download command that staged the flash of
// partition cmd.
func downloadBefore(commands []string, cmd string) string {
	i := slices.Index(commands, cmd)
	if i < 1 {
		return ""
	}
	return commands[i-1]
}

func TestCarrierRegionsCombinedAcrossPackages(t *testing.T) {
	f := newFixture(t)
	pkg, err := os.ReadFile(filepath.Join(f.opts.PackageDir, "fw_2.0.img"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.opts.PackageDir, "oem_ACME_02.img"), pkg, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.StartUpdateProcess(context.Background()); err != nil {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}

	cmds := f.bootloader.commands
	lastOem := -1
	count := func(cmd string) int {
		n := 0
		for i, c := range cmds {
			if c == cmd {
				n++
			}
			if c == "flash:oem_cfg" {
				lastOem = i
			}
		}
		return n
	}
	if n := count("flash:header"); n != 2 {
		t.Errorf("header flashes = %d, want 2", n)
	}
	if n := count("flash:pri_att"); n != 1 {
		t.Fatalf("carrier flashes = %d, want 1: %q", n, cmds)
	}
	if got := downloadBefore(cmds, "flash:pri_att"); got != "download:00000200" {
		t.Errorf("carrier staged with %q, want both regions", got)
	}
	if slices.Index(cmds, "flash:pri_att") < lastOem {
		t.Errorf("carrier flashed before every package was in: %q", cmds)
	}
	if f.bootloader.payload != 2*(0x400+0x200+0x100)+0x200 {
		t.Errorf("payload bytes = %#x", f.bootloader.payload)
	}
	if got := f.requester.content[command.CidMadptSetOemVersion]; got != "ACME_02" {
		t.Errorf("OEM version set to %q", got)
	}
}

func TestStartUpdateProcessWorkDir(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) []string
	}{
		{
			name: "stale carrier image",
			setup: func(t *testing.T, f *fixture) []string {
				stale := filepath.Join(f.opts.WorkDir, "attempt-interrupted")
				if err := os.MkdirAll(stale, 0o700); err != nil {
					t.Fatal(err)
				}
				for _, p := range []string{
					filepath.Join(stale, "carrier.img"),
					filepath.Join(f.opts.WorkDir, "carrier.img"),
				} {
					if err := os.WriteFile(p, make([]byte, 0x300), 0o600); err != nil {
						t.Fatal(err)
					}
				}
				return []string{filepath.Join(f.opts.WorkDir, "carrier.img")}
			},
		},
		{
			name: "package dir as work dir",
			setup: func(t *testing.T, f *fixture) []string {
				f.opts.WorkDir = f.opts.PackageDir
				return []string{filepath.Join(f.opts.PackageDir, "fw_2.0.img")}
			},
		},
		{
			name: "status file in work dir",
			setup: func(t *testing.T, f *fixture) []string {
				if err := os.MkdirAll(f.opts.WorkDir, 0o700); err != nil {
					t.Fatal(err)
				}
				p := filepath.Join(f.opts.WorkDir, "status")
				if err := os.WriteFile(p, []byte("retry_count=0\n"), 0o600); err != nil {
					t.Fatal(err)
				}
				return []string{p}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			keep := tt.setup(t, f)

			if err := f.orch.StartUpdateProcess(context.Background()); err != nil {
				t.Fatalf("StartUpdateProcess() error = %v", err)
			}
			if got := downloadBefore(f.bootloader.commands, "flash:pri_att"); got != "download:00000100" {
				t.Errorf("carrier staged with %q, want download:00000100", got)
			}
			for _, p := range keep {
				if _, err := os.Stat(p); err != nil {
					t.Errorf("%s removed: %v", filepath.Base(p), err)
				}
			}
			attempts, _ := filepath.Glob(filepath.Join(f.opts.WorkDir, "attempt-*"))
			if len(attempts) != 0 {
				t.Errorf("attempt dirs left behind: %v", attempts)
			}
		})
	}
}

func TestStartUpdateProcessUpToDate(t *testing.T) {
	f := newFixture(t)
	f.requester.replies[command.CidMadptGetFwVersion] = []string{"2.0"}
	if err := f.store.Update(func(v status.Values) {
		v.SetInt(status.KeyRetryCount, 0)
		v.SetBool(status.KeyNeedRetry, true)
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.StartUpdateProcess(context.Background()); err != nil {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}
	if f.opens != 0 || f.requester.called(command.CidMadptSwitchToBootloader) {
		t.Error("up-to-date module was flashed")
	}
	if f.store.Snapshot().Bool(status.KeyNeedRetry) {
		t.Error("stale retry flag not cleared")
	}
}

func TestStartUpdateProcessEscalates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		code  string
	}{
		{
			name:  "switch rejected",
			setup: func(f *fixture) { f.requester.errs[command.CidMadptSwitchToBootloader] = errdefs.ErrTimeout },
			code:  "SwitchFailed",
		},
		{
			name:  "bootloader never appears",
			setup: func(f *fixture) { f.selector.waitErr[device.PortBootloader] = errdefs.ErrTimeout },
			code:  "SwitchFailed",
		},
		{
			name:  "partition flash rejected",
			setup: func(f *fixture) { f.bootloader.failOn = "flash:modem" },
			code:  "FlashFailed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			err := f.orch.StartUpdateProcess(context.Background())
			if !errors.Is(err, errdefs.ErrHardwareResetRequested) {
				t.Fatalf("StartUpdateProcess() error = %v, want ErrHardwareResetRequested", err)
			}
			if f.resetter.resets != 1 {
				t.Errorf("resets = %d, want 1", f.resetter.resets)
			}
			v := f.store.Snapshot()
			if v.Int(status.KeyHwResetCount) != 1 || v.Int(status.KeyRetryCount) != 0 || !v.Bool(status.KeyNeedRetry) {
				t.Errorf("counters = %v", v)
			}
			if v[status.KeyLastErrorCode] != tt.code {
				t.Errorf("last error = %q, want %q", v[status.KeyLastErrorCode], tt.code)
			}
		})
	}
}

func TestRetryCeilingBlocksWithoutIO(t *testing.T) {
	f := newFixture(t)
	f.bootloader.failOn = "oem unlock"
	if err := f.store.Update(func(v status.Values) {
		v.SetInt(status.KeyRetryCount, f.opts.MaxUpdateRetries-1)
	}); err != nil {
		t.Fatal(err)
	}

	err := f.orch.StartUpdateProcess(context.Background())
	if err == nil || errors.Is(err, errdefs.ErrHardwareResetRequested) {
		t.Fatalf("first attempt error = %v, want a plain failure", err)
	}
	if got := f.store.Int(status.KeyRetryCount); got != f.opts.MaxUpdateRetries {
		t.Fatalf("retry count = %d, want %d", got, f.opts.MaxUpdateRetries)
	}

	f.requester.calls = nil
	f.opens = 0
	f.bootloader.commands = nil

	err = f.orch.StartUpdateProcess(context.Background())
	if !errors.Is(err, errdefs.ErrPersistedLimitReached) {
		t.Fatalf("second attempt error = %v, want ErrPersistedLimitReached", err)
	}
	if len(f.requester.calls) != 0 || f.opens != 0 || len(f.bootloader.commands) != 0 {
		t.Errorf("refused attempt did I/O: requests %v, opens %d, commands %v",
			f.requester.calls, f.opens, f.bootloader.commands)
	}
}

func TestHardwareResetCeiling(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Update(func(v status.Values) {
		v.SetInt(status.KeyHwResetCount, f.opts.MaxHardwareResets)
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.StartUpdateProcess(context.Background()); !errors.Is(err, errdefs.ErrPersistedLimitReached) {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}
	if len(f.requester.calls) != 0 {
		t.Errorf("requests = %v", f.requester.calls)
	}
}

func TestStartUpdateProcessResume(t *testing.T) {
	f := newFixture(t)
	f.requester.errs[command.CidMadptGetSerial] = errdefs.ErrTimeout
	f.selector.bootloaderPresent = true

	if err := f.orch.StartUpdateProcess(context.Background()); err != nil {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}
	if f.requester.called(command.CidMadptSwitchToBootloader) {
		t.Error("resumed attempt switched modes")
	}
	if f.opens != 1 || !slices.Contains(f.bootloader.commands, "flash:modem") {
		t.Errorf("resumed attempt did not flash: %v", f.bootloader.commands)
	}
}

func TestStartUpdateProcessModemUnavailable(t *testing.T) {
	f := newFixture(t)
	f.requester.errs[command.CidMadptGetSerial] = errdefs.ErrTimeout

	err := f.orch.StartUpdateProcess(context.Background())
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("StartUpdateProcess() error = %v", err)
	}
	if f.store.Int(status.KeyRetryCount) != 0 {
		t.Error("identification failure counted as an attempt")
	}
}

func TestPlan(t *testing.T) {
	fw := "/p/fw_2.0.img"
	oemA, oemB := "/p/oem_ACME_02.img", "/p/oem_ACME_01.img"
	inv := firmwareInventory(fw, oemA, oemB)

	tests := []struct {
		name    string
		session Session
		want    []string
	}{
		{"up to date", Session{CurrentVersion: "2.0", OemToken: "ACME_01"}, nil},
		{"firmware differs", Session{CurrentVersion: "1.9", OemToken: "ACME_02"}, []string{fw}},
		{"oem missing", Session{CurrentVersion: "2.0", OemToken: "ACME_00"}, []string{oemA}},
		{"resume", Session{Resume: true}, []string{fw, oemA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, p := range plan(inv, &tt.session) {
				got = append(got, p.Path)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("plan() = %v, want %v", got, tt.want)
			}
		})
	}
}

func firmwareInventory(fw string, oem ...string) firmware.Inventory {
	inv := firmware.Inventory{Firmware: &firmware.Package{Kind: firmware.KindFirmware, Version: "2.0", Path: fw}}
	for _, p := range oem {
		_, version, _ := firmware.ParseName(filepath.Base(p))
		inv.Oem = append(inv.Oem, firmware.Package{Kind: firmware.KindOem, Version: version, Path: p})
	}
	return inv
}

func TestParseModemInfo(t *testing.T) {
	model, rev := parseModemInfo("Manufacturer: Acme\r\nModel: EM9191\r\nRevision: SWI9X50C_01.14\r\n")
	if model != "EM9191" || rev != "SWI9X50C_01.14" {
		t.Errorf("parseModemInfo() = %q, %q", model, rev)
	}
}

func TestErrorCodeEscalates(t *testing.T) {
	for code := ErrorNone; code <= ErrorModemUnavailable; code++ {
		want := code == ErrorSwitchFailed || code == ErrorBootloaderTimeout || code == ErrorFlashFailed
		if got := code.Escalates(); got != want {
			t.Errorf("%s.Escalates() = %v", code, got)
		}
	}
}
