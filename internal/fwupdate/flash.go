package fwupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/device"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/fastboot"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	headerPartition = "header"
	rebootCommand   = "reboot"
	flashPrefix     = "flash:"
)

func (o *Orchestrator) switchToBootloader(ctx context.Context, s *Session) error {
	if _, err := o.request(ctx, command.CidMadptSwitchToBootloader, ""); err != nil {
		return failure(ErrorSwitchFailed, fmt.Errorf("switch to bootloader: %w", err))
	}
	if o.opts.SettleDelay <= 0 {
		return nil
	}

	// The module drops off the bus while it re-enumerates.
	t := time.NewTimer(o.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) waitBootloader(ctx context.Context, s *Session) error {
	o.selector.Invalidate()
	path, err := o.selector.WaitForPort(ctx, device.PortBootloader, o.opts.PortPollInterval, o.opts.PortPolls)
	if err != nil {
		return failure(ErrorSwitchFailed, fmt.Errorf("wait for bootloader: %w", err))
	}

	t, err := o.open(path)
	if err != nil {
		return failure(ErrorBootloaderTimeout, err)
	}
	s.transport = t
	s.engine = fastboot.NewEngine(t)
	log.Info("Bootloader port ready", "port", path)
	return nil
}

func (o *Orchestrator) unlock(ctx context.Context, s *Session) error {
	s.engine.QueueCommand(o.opts.UnlockCommand)
	if err := o.execute(ctx, s); err != nil {
		if errors.Is(err, errdefs.ErrDeviceRejected) {
			return failure(ErrorUnlockFailed, err)
		}
		return failure(ErrorBootloaderTimeout, err)
	}
	return nil
}

// flashHeader flashes the header slice of the current package and reads
// the partition layout the bootloader reports for it.
func (o *Orchestrator) flashHeader(ctx context.Context, s *Session) error {
	pkg := s.Package()
	slicer, err := firmware.OpenSlicer(pkg.Path)
	if err != nil {
		return failure(ErrorPackageInvalid, err)
	}
	s.slicer = slicer

	headerPath := s.workFile(headerPartition + ".img")
	if err := slicer.Header(headerPath); err != nil {
		return failure(ErrorPackageInvalid, fmt.Errorf("%s: %w", pkg.Name(), err))
	}

	// Drop earlier output so only this header's report is parsed.
	_ = s.engine.Output()
	s.engine.QueueNotice("Flashing header of " + pkg.Name())
	s.engine.QueueDownloadFile(headerPartition, headerPath)
	s.engine.QueueCommand(flashPrefix + headerPartition)
	if err := o.execute(ctx, s); err != nil {
		return failure(ErrorFlashFailed, err)
	}

	s.Header = firmware.ParseHeader(s.engine.Output(), firmware.Limits{
		Firmware: o.opts.MaxFirmwareImages,
		Oem:      o.opts.MaxOemImages,
		Carrier:  o.opts.MaxCarrierImages,
	})
	if s.Header.Count() == 0 {
		return failure(ErrorPackageInvalid, fmt.Errorf("%s: bootloader reported no partitions: %w", pkg.Name(), errdefs.ErrProtocol))
	}
	if pkg.Kind == firmware.KindOem {
		s.OemVersion = s.Header.OemVersion
		if s.OemVersion == "" {
			s.OemVersion = pkg.Version
		}
	}

	log.Info("Package header flashed", "package", pkg.Name(),
		"firmware", len(s.Header.Firmware.Items()), "oem", len(s.Header.Oem.Items()), "carrier", len(s.Header.Carrier.Items()))
	return nil
}

// flashImages flashes every firmware and OEM region of the current package
// and collects its carrier regions for later.
func (o *Orchestrator) flashImages(ctx context.Context, s *Session) error {
	pkg := s.Package()
	defer func() {
		_ = s.slicer.Close()
		s.slicer = nil
	}()

	images := append(append([]firmware.Descriptor{}, s.Header.Firmware.Items()...), s.Header.Oem.Items()...)
	for _, d := range images {
		path := s.workFile(d.Partition + ".img")
		if err := s.slicer.Extract(d, path); err != nil {
			return failure(ErrorPackageInvalid, err)
		}
		s.engine.QueueDownloadFile(d.Partition, path)
		s.engine.QueueCommand(flashPrefix + d.Partition)
		if err := o.execute(ctx, s); err != nil {
			return failure(ErrorFlashFailed, err)
		}
		_ = os.Remove(path)
		log.Info("Partition flashed", "package", pkg.Name(), "partition", d.Partition, "size", d.Size)
	}

	for _, d := range s.Header.Carrier.Items() {
		if err := s.slicer.Append(d, s.CarrierImage); err != nil {
			return failure(ErrorPackageInvalid, err)
		}
		if s.carrierPartition == "" {
			s.carrierPartition = d.Partition
		}
	}

	s.current++
	return nil
}

// flashCarrier flashes the combined carrier image once all packages are in.
func (o *Orchestrator) flashCarrier(ctx context.Context, s *Session) error {
	fi, err := os.Stat(s.CarrierImage)
	if err != nil || fi.Size() == 0 {
		log.Debug("No carrier images to flash")
		return nil
	}

	s.engine.QueueDownloadFile(s.carrierPartition, s.CarrierImage)
	s.engine.QueueCommand(flashPrefix + s.carrierPartition)
	if err := o.execute(ctx, s); err != nil {
		return failure(ErrorFlashFailed, err)
	}
	log.Info("Carrier image flashed", "partition", s.carrierPartition, "size", fi.Size())
	return nil
}

func (o *Orchestrator) reboot(ctx context.Context, s *Session) error {
	s.engine.QueueCommand(rebootCommand)
	s.engine.QueueWaitForDisconnect()
	err := o.execute(ctx, s)
	s.close()
	if err != nil {
		return failure(ErrorRebootFailed, err)
	}
	return nil
}

func (o *Orchestrator) waitControlPort(ctx context.Context, s *Session) error {
	o.selector.Invalidate()
	path, err := o.selector.WaitForPort(ctx, device.PortControl, o.opts.PortPollInterval, o.opts.PortPolls)
	if err != nil {
		return failure(ErrorControlPortTimeout, err)
	}
	log.Info("Control port is back", "port", path)
	return nil
}

// execute runs the queued bootloader actions under the flash timeout.
func (o *Orchestrator) execute(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.FlashTimeout)
	defer cancel()
	return s.engine.Execute(ctx)
}
