// Package gpio pulses the modem reset line through the GPIO service on the
// system bus.
package gpio

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// Resetter requests a hardware reset of the module.
type Resetter interface {
	Reset(ctx context.Context) error
}

// caller is the part of dbus.BusObject used to send the request.
type caller interface {
	Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call
}

// DbusResetter sends one method call and does not wait for a reply.
type DbusResetter struct {
	obj    caller
	method string
	line   string
}

func NewDbusResetter(conn *dbus.Conn, o *options.DbusOptions) *DbusResetter {
	return &DbusResetter{
		obj:    conn.Object(o.GpioDestination, dbus.ObjectPath(o.GpioPath)),
		method: o.GpioMethod,
		line:   o.ResetLine,
	}
}

func (r *DbusResetter) Reset(ctx context.Context) error {
	call := r.obj.Go(r.method, dbus.FlagNoReplyExpected, nil, r.line)
	if call != nil && call.Err != nil {
		return fmt.Errorf("request reset of %s: %w", r.line, call.Err)
	}
	log.Warn("Module reset requested", "line", r.line, "method", r.method)
	return nil
}

// LogResetter only records the request, for systems without the GPIO service.
type LogResetter struct{}

func (LogResetter) Reset(ctx context.Context) error {
	log.Warn("Module reset requested but no GPIO service is configured")
	return nil
}
