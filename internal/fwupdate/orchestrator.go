package fwupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/internal/fwupdate/notifier"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/device"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/fastboot"
	"github.com/autopeer-io/modempeer/internal/pkg/gpio"
	"github.com/autopeer-io/modempeer/internal/pkg/ipc"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	fsmutil "github.com/autopeer-io/modempeer/internal/pkg/util/fsm"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// Requester sends a command over the bus and waits for its reply.
type Requester interface {
	Request(ctx context.Context, cid command.ID, content string, timeout time.Duration) (message.Message, error)
}

var _ Requester = (*ipc.Requester)(nil)

// TransportOpener opens the bootloader node at path.
type TransportOpener func(path string) (fastboot.Transport, error)

func openDevice(path string) (fastboot.Transport, error) {
	return fastboot.OpenTransport(path)
}

// Orchestrator runs update attempts. StartUpdateProcess is not safe for
// concurrent use; the daemon calls it from one goroutine.
type Orchestrator struct {
	opts      *options.UpdateOptions
	store     *status.Store
	requester Requester
	selector  device.Selector
	resetter  gpio.Resetter
	notifier  notifier.Notifier
	open      TransportOpener
}

type OrchestratorOption func(*Orchestrator)

func WithTransportOpener(open TransportOpener) OrchestratorOption {
	return func(o *Orchestrator) { o.open = open }
}

func NewOrchestrator(opts *options.UpdateOptions, store *status.Store, requester Requester,
	selector device.Selector, resetter gpio.Resetter, n notifier.Notifier, oo ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		store:     store,
		requester: requester,
		selector:  selector,
		resetter:  resetter,
		notifier:  n,
		open:      openDevice,
	}
	for _, opt := range oo {
		opt(o)
	}
	return o
}

// StartUpdateProcess runs one attempt: it identifies the module, decides
// which packages it needs and drives the flash. It returns nil when the
// module is up to date or the attempt succeeded.
func (o *Orchestrator) StartUpdateProcess(ctx context.Context) error {
	if err := o.checkLimits(); err != nil {
		metrics.UpdateAttemptsTotal.WithLabelValues("refused").Inc()
		return err
	}

	s, err := o.newAttempt()
	if err != nil {
		return err
	}
	defer s.cleanup()

	if err := o.identify(ctx, s); err != nil {
		return err
	}

	inv, err := firmware.Scan(o.opts.PackageDir)
	if err != nil {
		return err
	}
	s.Packages = plan(inv, s)

	f := NewFiniteStateMachine(o.notifier)
	event := EventStart
	if s.Resume {
		event = EventResume
	}
	if err := f.Event(ctx, event, s); err != nil {
		if fsmutil.Failed(err) {
			return err
		}
		log.Info("Module is up to date", "serial", s.Serial, "version", s.CurrentVersion, "oem", s.OemToken)
		return o.clearStaleRetry()
	}

	log.Info("Starting firmware update", "serial", s.Serial, "model", s.Model, "from", s.CurrentVersion,
		"to", s.TargetVersion(), "packages", len(s.Packages), "resume", s.Resume)
	o.notifyPref(ctx, command.CidPrefUpdateStarted, s.TargetVersion())

	err = o.drive(ctx, f, s)
	s.cleanup()

	result := "ok"
	if err != nil {
		result = s.ErrorCode.String()
	}
	o.notifyPref(ctx, command.CidPrefUpdateFinished, result)

	return o.finish(ctx, s, err)
}

// newAttempt gives the attempt a private directory under the work dir and
// clears what an interrupted attempt left behind.
func (o *Orchestrator) newAttempt() (*Session, error) {
	if err := os.MkdirAll(o.opts.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	stale, _ := filepath.Glob(filepath.Join(o.opts.WorkDir, attemptPattern))
	for _, dir := range stale {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("Failed to remove stale attempt dir", "dir", dir, "error", err.Error())
		}
	}
	dir, err := os.MkdirTemp(o.opts.WorkDir, attemptPattern)
	if err != nil {
		return nil, fmt.Errorf("create attempt dir: %w", err)
	}
	return newSession(dir), nil
}

// checkLimits refuses an attempt once a persisted ceiling is reached.
func (o *Orchestrator) checkLimits() error {
	if err := o.store.Reload(); err != nil {
		return err
	}
	v := o.store.Snapshot()
	publishCounters(v)

	retries, resets := v.Int(status.KeyRetryCount), v.Int(status.KeyHwResetCount)
	if retries >= o.opts.MaxUpdateRetries || resets >= o.opts.MaxHardwareResets {
		return fmt.Errorf("retries %d/%d, hardware resets %d/%d: %w",
			retries, o.opts.MaxUpdateRetries, resets, o.opts.MaxHardwareResets, errdefs.ErrPersistedLimitReached)
	}
	return nil
}

// identify fills in what the module reports about itself. A module that
// does not answer but exposes a bootloader port is resumed.
func (o *Orchestrator) identify(ctx context.Context, s *Session) error {
	serial, err := o.request(ctx, command.CidMadptGetSerial, "")
	if err != nil {
		o.selector.Invalidate()
		if port, perr := o.selector.FindBootloaderPort(); perr == nil {
			log.Warn("Module not answering but bootloader is present, resuming", "port", port, "error", err.Error())
			s.Resume = true
			return nil
		}
		return failure(ErrorModemUnavailable, fmt.Errorf("identify module: %w", err))
	}
	s.Serial = serial

	if s.CurrentVersion, err = o.request(ctx, command.CidMadptGetFwVersion, ""); err != nil {
		return failure(ErrorModemUnavailable, fmt.Errorf("query firmware version: %w", err))
	}

	if report, err := o.request(ctx, command.CidMadptGetOemVersion, ""); err != nil {
		log.Warn("OEM version unavailable", "error", err.Error())
	} else {
		s.OemToken = firmware.OemToken(report)
	}

	if info, err := o.request(ctx, command.CidMadptGetModemInfo, ""); err == nil {
		s.Model, s.BuildID = parseModemInfo(info)
	}
	return nil
}

// plan lists the packages to flash, firmware first.
func plan(inv firmware.Inventory, s *Session) []firmware.Package {
	var out []firmware.Package
	if fw := inv.Firmware; fw != nil && (s.Resume || firmware.CompareVersions(fw.Version, s.CurrentVersion) != 0) {
		out = append(out, *fw)
	}
	if oem := inv.LatestOem(); oem != nil && (s.Resume || !inv.OemInstalled(s.OemToken)) {
		out = append(out, *oem)
	}
	return out
}

// parseModemInfo picks the model and revision lines out of an ATI report.
func parseModemInfo(info string) (model, revision string) {
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "model":
			model = strings.TrimSpace(value)
		case "revision":
			revision = strings.TrimSpace(value)
		}
	}
	return model, revision
}

// drive steps the state machine until Done or Failed.
func (o *Orchestrator) drive(ctx context.Context, f *FiniteStateMachine, s *Session) error {
	for {
		state := f.Current()
		switch state {
		case StateDone:
			return nil
		case StateFailed:
			return s.Err
		}

		next, err := o.step(ctx, s, state)
		if err != nil {
			if ferr := f.Event(ctx, EventFail, s, err); fsmutil.Failed(ferr) {
				s.fail(err)
				return errors.Join(err, ferr)
			}
			continue
		}
		if ferr := f.Event(ctx, next, s); fsmutil.Failed(ferr) {
			s.fail(ferr)
			return ferr
		} else if f.Current() == state {
			s.fail(fmt.Errorf("no transition from %s on %s", state, next))
			return s.Err
		}
	}
}

func (o *Orchestrator) step(ctx context.Context, s *Session, state string) (string, error) {
	switch state {
	case StateSwitchToBootloader:
		return EventNext, o.switchToBootloader(ctx, s)
	case StateWaitBootloaderPort:
		return EventNext, o.waitBootloader(ctx, s)
	case StateUnlock:
		return EventNext, o.unlock(ctx, s)
	case StateFlashHeader:
		return EventNext, o.flashHeader(ctx, s)
	case StateFlashImages:
		if err := o.flashImages(ctx, s); err != nil {
			return "", err
		}
		if s.current < len(s.Packages) {
			return EventNextPackage, nil
		}
		return EventNext, nil
	case StateFlashCarrierImage:
		return EventNext, o.flashCarrier(ctx, s)
	case StateReboot:
		return EventNext, o.reboot(ctx, s)
	case StateWaitControlPort:
		return EventNext, o.waitControlPort(ctx, s)
	case StatePostFlashConfig:
		o.postFlash(ctx, s)
		return EventNext, nil
	default:
		return "", fmt.Errorf("no step for state %s", state)
	}
}

// finish books the outcome into the persisted counters.
func (o *Orchestrator) finish(ctx context.Context, s *Session, err error) error {
	if err == nil {
		metrics.UpdateAttemptsTotal.WithLabelValues("success").Inc()
		log.Info("Firmware update completed", "serial", s.Serial, "version", s.NewVersion)
		return o.updateCounters(func(v status.Values) {
			v.SetInt(status.KeyRetryCount, 0)
			v.SetInt(status.KeyHwResetCount, 0)
			v.SetBool(status.KeyNeedRetry, false)
			v[status.KeyLastErrorCode] = ErrorNone.String()
		})
	}

	code := s.ErrorCode
	if code.Escalates() {
		metrics.UpdateAttemptsTotal.WithLabelValues("escalated").Inc()
		if uerr := o.updateCounters(func(v status.Values) {
			v.SetInt(status.KeyHwResetCount, v.Int(status.KeyHwResetCount)+1)
			v.SetBool(status.KeyNeedRetry, true)
			v[status.KeyLastErrorCode] = code.String()
		}); uerr != nil {
			log.Error(uerr, "Failed to persist hardware reset count")
		}
		if rerr := o.resetter.Reset(context.WithoutCancel(ctx)); rerr != nil {
			log.Error(rerr, "Failed to request module reset")
		}
		return fmt.Errorf("%s: %w: %w", code, errdefs.ErrHardwareResetRequested, err)
	}

	metrics.UpdateAttemptsTotal.WithLabelValues("retry").Inc()
	if uerr := o.updateCounters(func(v status.Values) {
		v.SetInt(status.KeyRetryCount, v.Int(status.KeyRetryCount)+1)
		v.SetBool(status.KeyNeedRetry, true)
		v[status.KeyLastErrorCode] = code.String()
	}); uerr != nil {
		log.Error(uerr, "Failed to persist retry count")
	}
	return err
}

// clearStaleRetry resets the counters when a pending retry finds nothing
// left to do.
func (o *Orchestrator) clearStaleRetry() error {
	if !o.store.Snapshot().Bool(status.KeyNeedRetry) {
		return nil
	}
	log.Info("Pending retry is no longer needed, clearing counters")
	return o.updateCounters(func(v status.Values) {
		v.SetInt(status.KeyRetryCount, 0)
		v.SetInt(status.KeyHwResetCount, 0)
		v.SetBool(status.KeyNeedRetry, false)
	})
}

func (o *Orchestrator) updateCounters(fn func(status.Values)) error {
	if err := o.store.Update(fn); err != nil {
		return err
	}
	publishCounters(o.store.Snapshot())
	return nil
}

func publishCounters(v status.Values) {
	metrics.PersistedCounter.WithLabelValues(status.KeyRetryCount).Set(float64(v.Int(status.KeyRetryCount)))
	metrics.PersistedCounter.WithLabelValues(status.KeyHwResetCount).Set(float64(v.Int(status.KeyHwResetCount)))
}

func (o *Orchestrator) request(ctx context.Context, cid command.ID, content string) (string, error) {
	reply, err := o.requester.Request(ctx, cid, content, o.opts.CommandTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Response), nil
}

// notifyPref tells the preference daemon about the attempt. Failures only
// cost the notification.
func (o *Orchestrator) notifyPref(ctx context.Context, cid command.ID, detail string) {
	if len(detail) > message.MaxContent {
		detail = detail[:message.MaxContent]
	}
	if _, err := o.requester.Request(ctx, cid, detail, o.opts.CommandTimeout); err != nil {
		log.Warn("Failed to notify pref", "command", cid.Name(), "error", err.Error())
	}
}
