package fwupdate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	fsmutil "github.com/autopeer-io/modempeer/internal/pkg/util/fsm"
)

func TestFiniteStateMachine(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	f := NewFiniteStateMachine(n)
	s := newSession(t.TempDir())

	if err := f.Event(ctx, EventStart, s); fsmutil.Failed(err) || err == nil {
		t.Fatalf("start without packages: error = %v, want a cancelled transition", err)
	}
	if f.Current() != StateIdle {
		t.Fatalf("state = %s, want %s", f.Current(), StateIdle)
	}

	s.Packages = []firmware.Package{{Kind: firmware.KindFirmware, Version: "2.0"}}
	steps := []struct {
		event string
		want  string
	}{
		{EventStart, StateSwitchToBootloader},
		{EventNext, StateWaitBootloaderPort},
		{EventNext, StateUnlock},
		{EventNext, StateFlashHeader},
		{EventNext, StateFlashImages},
		{EventNextPackage, StateFlashHeader},
		{EventNext, StateFlashImages},
		{EventNext, StateFlashCarrierImage},
		{EventFail, StateFailed},
	}
	for _, st := range steps {
		args := []any{s}
		if st.event == EventFail {
			args = append(args, failure(ErrorFlashFailed, errors.New("boom")))
		}
		if err := f.Event(ctx, st.event, args...); err != nil {
			t.Fatalf("%s: %v", st.event, err)
		}
		if f.Current() != st.want {
			t.Fatalf("after %s state = %s, want %s", st.event, f.Current(), st.want)
		}
	}

	if s.Process != ProcessFailed || s.ErrorCode != ErrorFlashFailed {
		t.Errorf("session = %s / %s", s.Process, s.ErrorCode)
	}
	if err := f.Event(ctx, EventNext, s); !fsmutil.Failed(err) {
		t.Errorf("Failed is terminal, got %v", err)
	}
	if len(n.states) != len(steps) {
		t.Errorf("reported %d states, want %d", len(n.states), len(steps))
	}
}

func TestProcessFor(t *testing.T) {
	tests := []struct {
		state string
		cur   ProcessState
		want  ProcessState
	}{
		{StateSwitchToBootloader, ProcessInit, ProcessStart},
		{StateWaitBootloaderPort, ProcessInit, ProcessStart},
		{StateWaitBootloaderPort, ProcessStart, ProcessStart},
		{StateUnlock, ProcessStart, ProcessFastbootStart},
		{StateFlashImages, ProcessFastbootStart, ProcessFastbootStart},
		{StateReboot, ProcessFastbootStart, ProcessFastbootEnd},
		{StateDone, ProcessFastbootEnd, ProcessCompleted},
		{StateFailed, ProcessFastbootStart, ProcessFailed},
	}
	for _, tt := range tests {
		if got := processFor(tt.state, tt.cur); got != tt.want {
			t.Errorf("processFor(%s, %s) = %s, want %s", tt.state, tt.cur, got, tt.want)
		}
	}
}

func TestTriggerFolds(t *testing.T) {
	tr := NewTrigger()
	tr.Fire("a")
	tr.Fire("b")
	if got := <-tr; got != "a" {
		t.Errorf("trigger = %q", got)
	}
	select {
	case got := <-tr:
		t.Errorf("unexpected second trigger %q", got)
	default:
	}
}

func TestRetryMonitorCheck(t *testing.T) {
	store, err := status.Open(filepath.Join(t.TempDir(), "status"))
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTrigger()
	m := NewRetryMonitor(store, time.Minute, tr)

	m.check(context.Background())
	if len(tr) != 0 {
		t.Fatal("triggered without a pending retry")
	}

	if err := os.WriteFile(store.Path(), []byte("need_retry=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.check(context.Background())
	if got := <-tr; got != "retry" {
		t.Errorf("trigger = %q", got)
	}
}

func TestPackageWatcher(t *testing.T) {
	dir := t.TempDir()
	tr := NewTrigger()
	w := NewPackageWatcher(dir, 20*time.Millisecond, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fw_2.1.img"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-tr:
		if got != "package fw_2.1.img" {
			t.Errorf("trigger = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger for a new package")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}
