package fastboot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// DeviceTransport talks to the bootloader through its character device.
type DeviceTransport struct {
	path string
	f    *os.File
}

var _ Transport = (*DeviceTransport)(nil)

// OpenTransport opens the bootloader node at path.
func OpenTransport(path string) (*DeviceTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open bootloader %s: %w: %w", path, err, errdefs.ErrTransportUnavailable)
	}
	return &DeviceTransport{path: path, f: f}, nil
}

func (t *DeviceTransport) Read(b []byte) (int, error)  { return t.f.Read(b) }
func (t *DeviceTransport) Write(b []byte) (int, error) { return t.f.Write(b) }

func (t *DeviceTransport) Close() error {
	return t.f.Close()
}

// WaitDisconnect waits for the device node to disappear.
func (t *DeviceTransport) WaitDisconnect(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}
	// The node may have gone before the watch was set up.
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		return nil
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher closed: %w", errdefs.ErrTransportUnavailable)
			}
			if ev.Name == t.path && ev.Has(fsnotify.Remove) {
				log.Debug("Bootloader node removed", "path", t.path)
				return nil
			}
		case err, ok := <-w.Errors:
			if ok {
				log.Warn("Device watch error", "error", err.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetReadDeadline bounds the following reads. A zero time clears it.
func (t *DeviceTransport) SetReadDeadline(d time.Time) error {
	return t.f.SetReadDeadline(d)
}
