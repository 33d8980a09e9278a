package fwupdate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/internal/pkg/fastboot"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// ProcessState is the coarse progress of a session as reported to
// observers.
type ProcessState int

const (
	ProcessInit ProcessState = iota
	ProcessStart
	ProcessFastbootStart
	ProcessFastbootEnd
	ProcessCompleted
	ProcessFailed
)

func (p ProcessState) String() string {
	switch p {
	case ProcessInit:
		return "Init"
	case ProcessStart:
		return "Start"
	case ProcessFastbootStart:
		return "FastbootStart"
	case ProcessFastbootEnd:
		return "FastbootEnd"
	case ProcessCompleted:
		return "Completed"
	default:
		return "Failed"
	}
}

// ErrorCode classifies why an attempt failed.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorSwitchFailed
	ErrorBootloaderTimeout
	ErrorFlashFailed
	ErrorUnlockFailed
	ErrorPackageInvalid
	ErrorRebootFailed
	ErrorControlPortTimeout
	ErrorModemUnavailable
)

var errorCodeNames = [...]string{
	"None",
	"SwitchFailed",
	"BootloaderTimeout",
	"FlashFailed",
	"UnlockFailed",
	"PackageInvalid",
	"RebootFailed",
	"ControlPortTimeout",
	"ModemUnavailable",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
	return errorCodeNames[c]
}

// Escalates reports whether a failure of this class is answered with a
// hardware reset of the module.
func (c ErrorCode) Escalates() bool {
	switch c {
	case ErrorSwitchFailed, ErrorBootloaderTimeout, ErrorFlashFailed:
		return true
	default:
		return false
	}
}

// attemptError tags a step failure with its class.
type attemptError struct {
	code ErrorCode
	err  error
}

func (e *attemptError) Error() string { return e.code.String() + ": " + e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func failure(code ErrorCode, err error) error {
	return &attemptError{code: code, err: err}
}

// Session is the state of one update attempt. It is owned by the
// orchestrator goroutine.
type Session struct {
	Serial         string
	BuildID        string
	Model          string
	CurrentVersion string
	OemToken       string

	// Resume is set when the module was found already in bootloader mode.
	Resume bool

	Packages []firmware.Package
	current  int

	Header *firmware.Header
	slicer *firmware.Slicer

	// WorkDir is private to the attempt and removed with it.
	WorkDir string
	// CarrierImage collects the carrier regions of every package.
	CarrierImage     string
	carrierPartition string

	// OemVersion is what gets written back after an OEM package is flashed.
	OemVersion string
	NewVersion string

	Process   ProcessState
	ErrorCode ErrorCode
	Err       error

	transport fastboot.Transport
	engine    *fastboot.Engine
}

// attemptPattern names the per-attempt directories under the work dir.
const attemptPattern = "attempt-*"

func newSession(workDir string) *Session {
	return &Session{
		WorkDir:      workDir,
		CarrierImage: filepath.Join(workDir, "carrier.img"),
		Process:      ProcessInit,
	}
}

// Package returns the package being flashed.
func (s *Session) Package() firmware.Package {
	return s.Packages[s.current]
}

// TargetVersion is the version of the primary package of the attempt.
func (s *Session) TargetVersion() string {
	for _, p := range s.Packages {
		if p.Kind == firmware.KindFirmware {
			return p.Version
		}
	}
	if len(s.Packages) > 0 {
		return s.Packages[0].Version
	}
	return ""
}

func (s *Session) fail(err error) {
	s.Err = err
	s.ErrorCode = ErrorFlashFailed
	var ae *attemptError
	if errors.As(err, &ae) {
		s.ErrorCode = ae.code
	}
}

func (s *Session) workFile(name string) string {
	return filepath.Join(s.WorkDir, name)
}

// close releases the bootloader transport and any open package.
func (s *Session) close() {
	if s.slicer != nil {
		_ = s.slicer.Close()
		s.slicer = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
		s.engine = nil
	}
}

// cleanup removes the attempt directory with its slices and carrier image.
func (s *Session) cleanup() {
	s.close()
	if err := os.RemoveAll(s.WorkDir); err != nil {
		log.Warn("Failed to remove attempt dir", "dir", s.WorkDir, "error", err.Error())
	}
}
