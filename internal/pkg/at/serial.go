package at

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

// SerialPort is the subset of serial.Port the transport uses.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

var _ Reinitializer = (*SerialTransport)(nil)

// SerialTransport talks to the AT port directly.
type SerialTransport struct {
	port SerialPort
	name string
	open func() (SerialPort, error)
}

// SerialOption configures a SerialTransport.
type SerialOption func(*SerialTransport)

// WithReopen sets how Reinit opens the port again.
func WithReopen(open func() (SerialPort, error)) SerialOption {
	return func(t *SerialTransport) { t.open = open }
}

// OpenSerial opens name at baud. readTimeout bounds each read so the reply
// loop can observe ctx.
func OpenSerial(name string, baud int, readTimeout time.Duration) (*SerialTransport, error) {
	if name == "" {
		return nil, fmt.Errorf("no AT port: %w", errdefs.ErrTransportUnavailable)
	}
	open := func() (SerialPort, error) {
		return openPort(name, baud, readTimeout)
	}
	port, err := open()
	if err != nil {
		return nil, err
	}
	return NewSerialTransport(port, name, WithReopen(open)), nil
}

func openPort(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", name, err, errdefs.ErrTransportUnavailable)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return port, nil
}

// NewSerialTransport wraps an already open port.
func NewSerialTransport(port SerialPort, name string, opts ...SerialOption) *SerialTransport {
	t := &SerialTransport{port: port, name: name}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reinit closes the port and opens it again by name. A node that went away
// with a USB re-enumeration is picked up again this way.
func (t *SerialTransport) Reinit(ctx context.Context) error {
	if t.open == nil {
		return fmt.Errorf("reopen %s: %w", t.name, errdefs.ErrTransportUnavailable)
	}
	_ = t.port.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := t.open()
	if err != nil {
		return fmt.Errorf("reopen %s: %w", t.name, err)
	}
	t.port = port
	return nil
}

// Exchange writes cmd terminated by CR and reads until a final result line
// or ctx is done.
func (t *SerialTransport) Exchange(ctx context.Context, cmd string) (string, error) {
	_ = t.port.ResetInputBuffer()
	if _, err := t.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write %s: %w", t.name, err)
	}

	var resp strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			resp.Write(buf[:n])
			if isFinal(resp.String()) {
				return resp.String(), nil
			}
		}
		if err != nil {
			return resp.String(), fmt.Errorf("read %s: %w", t.name, err)
		}
		if ctx.Err() != nil {
			return resp.String(), ctx.Err()
		}
	}
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}
