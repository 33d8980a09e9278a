package mbim

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// Opener returns a fresh handle on the control device.
type Opener func() (io.ReadWriteCloser, error)

// DeviceOpener opens a cdc-wdm character device.
func DeviceOpener(path string) Opener {
	return func() (io.ReadWriteCloser, error) {
		if path == "" {
			return nil, fmt.Errorf("no MBIM control device: %w", errdefs.ErrTransportUnavailable)
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %v: %w", path, err, errdefs.ErrTransportUnavailable)
		}
		return f, nil
	}
}

// ATTransport tunnels AT commands through a vendor MBIM service.
type ATTransport struct {
	open    Opener
	service uuid.UUID
	cid     uint32
	opts    []ConnOption

	mu   sync.Mutex
	conn *Conn
}

// NewATTransport opens the device and the MBIM function.
func NewATTransport(ctx context.Context, open Opener, service uuid.UUID, cid uint32, opts ...ConnOption) (*ATTransport, error) {
	t := &ATTransport{open: open, service: service, cid: cid, opts: opts}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ATTransport) connect(ctx context.Context) error {
	rw, err := t.open()
	if err != nil {
		return err
	}
	conn := NewConn(rw, t.opts...)
	if err := conn.Open(ctx); err != nil {
		_ = rw.Close()
		return fmt.Errorf("mbim open: %w", err)
	}
	t.conn = conn
	return nil
}

// Exchange sends cmd as a SET on the tunnel and returns the reply text.
func (t *ATTransport) Exchange(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("mbim not connected: %w", errdefs.ErrTransportUnavailable)
	}

	info, err := conn.Command(ctx, t.service, t.cid, CommandSet, EncodeATPayload(cmd+"\r"))
	if err != nil {
		return "", err
	}
	return DecodeATPayload(info)
}

// Reinit closes the whole connection and opens it again.
func (t *ATTransport) Reinit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	metrics.MbimReinitTotal.Inc()
	if t.conn != nil {
		if err := t.conn.Close(ctx); err != nil {
			log.Warn("MBIM close before reinit failed", "error", err.Error())
		}
		t.conn = nil
	}
	return t.connect(ctx)
}

func (t *ATTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(context.Background())
	t.conn = nil
	return err
}
