// Package errdefs holds the error kinds shared by the modempeer daemons.
// Callers classify with errors.Is and errors.As; producers wrap with %w.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable: no device or endpoint could be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrProtocol: a malformed or unexpected frame was received.
	ErrProtocol = errors.New("protocol error")

	// ErrDeviceRejected: the device answered with an explicit failure.
	ErrDeviceRejected = errors.New("device rejected request")

	ErrTimeout = errors.New("timed out")

	// ErrResourceExhausted: a bounded buffer or table is full.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPersistedLimitReached: a persisted retry ceiling blocks the attempt.
	ErrPersistedLimitReached = errors.New("persisted retry limit reached")

	// ErrUnparseable: a reply carried neither a success nor an error marker.
	ErrUnparseable = errors.New("unparseable reply")

	// ErrHardwareResetRequested: the module reset line was pulsed and the
	// process should exit so it is restarted against a fresh device.
	ErrHardwareResetRequested = errors.New("hardware reset requested")
)

// DeviceRejectedError carries the failure text returned by the device.
type DeviceRejectedError struct {
	Op     string
	Reason string
}

func (e *DeviceRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: device rejected request", e.Op)
	}
	return fmt.Sprintf("%s: device rejected request: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrDeviceRejected) true for every DeviceRejectedError.
func (e *DeviceRejectedError) Is(target error) bool {
	return target == ErrDeviceRejected
}

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
