package fwupdate

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/modempeer/internal/fwupdate/notifier"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/modempeer/internal/pkg/util/fsm"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	StateIdle               = "Idle"
	StateSwitchToBootloader = "SwitchToBootloader"
	StateWaitBootloaderPort = "WaitBootloaderPort"
	StateUnlock             = "Unlock"
	StateFlashHeader        = "FlashHeader"
	StateFlashImages        = "FlashImages"
	StateFlashCarrierImage  = "FlashCarrierImage"
	StateReboot             = "Reboot"
	StateWaitControlPort    = "WaitControlPort"
	StatePostFlashConfig    = "PostFlashConfig"
	StateDone               = "Done"
	StateFailed             = "Failed"
)

const (
	// EventStart begins an attempt from application mode.
	EventStart = "event_start"
	// EventResume begins an attempt on a module already in bootloader mode.
	EventResume = "event_resume"
	// EventNext advances to the following step.
	EventNext = "event_next"
	// EventNextPackage returns to the header step for the next package.
	EventNextPackage = "event_next_package"
	EventFail        = "event_fail"
)

var allStates = []string{
	StateIdle, StateSwitchToBootloader, StateWaitBootloaderPort, StateUnlock,
	StateFlashHeader, StateFlashImages, StateFlashCarrierImage, StateReboot,
	StateWaitControlPort, StatePostFlashConfig, StateDone, StateFailed,
}

// progress is the percentage reported on entering a state.
var progress = map[string]int{
	StateIdle:               0,
	StateSwitchToBootloader: 5,
	StateWaitBootloaderPort: 10,
	StateUnlock:             15,
	StateFlashHeader:        20,
	StateFlashImages:        30,
	StateFlashCarrierImage:  80,
	StateReboot:             85,
	StateWaitControlPort:    90,
	StatePostFlashConfig:    95,
	StateDone:               100,
}

type FiniteStateMachine struct {
	*fsm.FSM
	notifier notifier.Notifier
}

func NewFiniteStateMachine(n notifier.Notifier) *FiniteStateMachine {
	f := &FiniteStateMachine{notifier: n}

	running := []string{
		StateSwitchToBootloader, StateWaitBootloaderPort, StateUnlock, StateFlashHeader,
		StateFlashImages, StateFlashCarrierImage, StateReboot, StateWaitControlPort, StatePostFlashConfig,
	}

	events := fsm.Events{
		{Name: EventStart, Src: []string{StateIdle}, Dst: StateSwitchToBootloader},
		{Name: EventResume, Src: []string{StateIdle}, Dst: StateWaitBootloaderPort},

		{Name: EventNext, Src: []string{StateSwitchToBootloader}, Dst: StateWaitBootloaderPort},
		{Name: EventNext, Src: []string{StateWaitBootloaderPort}, Dst: StateUnlock},
		{Name: EventNext, Src: []string{StateUnlock}, Dst: StateFlashHeader},
		{Name: EventNext, Src: []string{StateFlashHeader}, Dst: StateFlashImages},
		{Name: EventNext, Src: []string{StateFlashImages}, Dst: StateFlashCarrierImage},
		{Name: EventNext, Src: []string{StateFlashCarrierImage}, Dst: StateReboot},
		{Name: EventNext, Src: []string{StateReboot}, Dst: StateWaitControlPort},
		{Name: EventNext, Src: []string{StateWaitControlPort}, Dst: StatePostFlashConfig},
		{Name: EventNext, Src: []string{StatePostFlashConfig}, Dst: StateDone},

		// Multi-package attempts loop back for the next header.
		{Name: EventNextPackage, Src: []string{StateFlashImages}, Dst: StateFlashHeader},

		{Name: EventFail, Src: running, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventStart:  fsmutil.WrapEvent(f.GuardUpdateRequired),
		"before_" + EventResume: fsmutil.WrapEvent(f.GuardUpdateRequired),

		// Side-Effects
		"enter_" + StateFailed: fsmutil.WrapEvent(f.ActionEnterFailed),
		"enter_state":          fsmutil.WrapEvent(f.ActionEnterState),
	}

	f.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return f
}

// GuardUpdateRequired cancels the start when no package needs flashing.
func (f *FiniteStateMachine) GuardUpdateRequired(ctx context.Context, e *fsm.Event) error {
	s := e.Args[0].(*Session)
	if len(s.Packages) == 0 {
		e.Cancel(fsm.NoTransitionError{})
	}
	return nil
}

// ActionEnterFailed records the failure carried in the event arguments.
func (f *FiniteStateMachine) ActionEnterFailed(ctx context.Context, e *fsm.Event) error {
	s := e.Args[0].(*Session)
	if len(e.Args) > 1 && e.Args[1] != nil {
		if err, ok := e.Args[1].(error); ok {
			s.fail(err)
		}
	}
	log.Warn("Update attempt failed", "serial", s.Serial, "from", e.Src, "code", s.ErrorCode.String())
	return nil
}

// ActionEnterState updates the process state, the state gauge and the
// observers on every transition.
func (f *FiniteStateMachine) ActionEnterState(ctx context.Context, e *fsm.Event) error {
	s := e.Args[0].(*Session)
	s.Process = processFor(e.Dst, s.Process)

	for _, st := range allStates {
		metrics.UpdateState.WithLabelValues(st).Set(0)
	}
	metrics.UpdateState.WithLabelValues(e.Dst).Set(1)

	p := notifier.Progress{
		Serial:    s.Serial,
		State:     e.Dst,
		Process:   s.Process.String(),
		Percent:   progress[e.Dst],
		Timestamp: time.Now().Unix(),
	}
	if e.Dst == StateFailed {
		p.Percent = progress[e.Src]
		p.ErrorCode = s.ErrorCode.String()
		if s.Err != nil {
			p.Message = s.Err.Error()
		}
	}
	// Reporting is best effort; a broken broker must not fail the attempt.
	if err := f.notifier.Notify(ctx, p); err != nil {
		log.Warn("Failed to report progress", "state", e.Dst, "error", err.Error())
	}
	return nil
}

func processFor(state string, cur ProcessState) ProcessState {
	switch state {
	case StateSwitchToBootloader, StateWaitBootloaderPort:
		if cur == ProcessInit {
			return ProcessStart
		}
		return cur
	case StateUnlock:
		return ProcessFastbootStart
	case StateReboot:
		return ProcessFastbootEnd
	case StateDone:
		return ProcessCompleted
	case StateFailed:
		return ProcessFailed
	default:
		return cur
	}
}
