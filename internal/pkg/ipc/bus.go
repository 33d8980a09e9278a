// Package ipc carries bus messages between the modem daemons over Unix
// datagram sockets, one socket per identity.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
)

const sendTimeout = time.Second

// Bus resolves identities to sockets under a runtime directory.
type Bus struct {
	dir string
}

func NewBus(runtimeDir string) *Bus {
	return &Bus{dir: runtimeDir}
}

// Path returns the socket path of id.
func (b *Bus) Path(id command.Identity) string {
	return filepath.Join(b.dir, strings.TrimPrefix(id.Name(), "/"))
}

// Channel is the inbound end of one identity.
type Channel struct {
	id   command.Identity
	path string
	conn *net.UnixConn
}

// Open binds the inbound channel of id. A socket left behind by a previous
// process is replaced.
func (b *Bus) Open(id command.Identity) (*Channel, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("open %s: %w", id.Name(), errdefs.ErrTransportUnavailable)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	path := b.Path(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return &Channel{id: id, path: path, conn: conn}, nil
}

// Send delivers msg to the channel of dest.
func (b *Bus) Send(dest command.Identity, msg message.Message) error {
	if !dest.Valid() {
		return fmt.Errorf("send %s to %s: %w", msg.Command, dest.Name(), errdefs.ErrTransportUnavailable)
	}

	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: b.Path(dest), Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("send %s to %s: %v: %w", msg.Command, dest, err, errdefs.ErrTransportUnavailable)
	}
	defer conn.Close()

	// A full receive queue blocks the write until the deadline.
	_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(buf); err != nil {
		if os.IsTimeout(err) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) {
			return fmt.Errorf("send %s to %s: queue full: %w", msg.Command, dest, errdefs.ErrResourceExhausted)
		}
		return fmt.Errorf("send %s to %s: %w", msg.Command, dest, err)
	}

	metrics.BusMessagesTotal.WithLabelValues("sent", dest.String()).Inc()
	return nil
}

// Identity returns the identity the channel was opened for.
func (c *Channel) Identity() command.Identity {
	return c.id
}

// Receive blocks until a message arrives or ctx is done. A datagram of the
// wrong size is discarded and reported as ErrProtocol.
func (c *Channel) Receive(ctx context.Context) (message.Message, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return message.Message{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	// One spare byte detects oversize datagrams.
	buf := make([]byte, message.Size+1)
	n, _, err := c.conn.ReadFromUnix(buf)
	if err != nil {
		if ctx.Err() != nil {
			return message.Message{}, ctx.Err()
		}
		return message.Message{}, fmt.Errorf("receive on %s: %w", c.id, err)
	}

	var msg message.Message
	if err := msg.UnmarshalBinary(buf[:n]); err != nil {
		metrics.BusMessagesTotal.WithLabelValues("dropped", c.id.String()).Inc()
		return message.Message{}, err
	}

	metrics.BusMessagesTotal.WithLabelValues("received", c.id.String()).Inc()
	return msg, nil
}

// Drain discards every queued datagram without blocking and returns how
// many were dropped.
func (c *Channel) Drain() int {
	rc, err := c.conn.SyscallConn()
	if err != nil {
		return 0
	}

	buf := make([]byte, message.Size+1)
	n := 0
	for {
		var rerr error
		// Returning true hands control back instead of parking on the poller.
		if err := rc.Read(func(fd uintptr) bool {
			_, _, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			return true
		}); err != nil || rerr != nil {
			break
		}
		n++
	}
	if n > 0 {
		metrics.BusMessagesTotal.WithLabelValues("dropped", c.id.String()).Add(float64(n))
	}
	return n
}

// Close unbinds the channel and removes its socket.
func (c *Channel) Close() error {
	err := c.conn.Close()
	_ = os.Remove(c.path)
	return err
}
