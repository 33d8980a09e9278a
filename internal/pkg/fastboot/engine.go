// Package fastboot drives a fastboot-style bootloader: a queue of actions
// executed in order over a request/response transport.
package fastboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// MaxWindow bounds a single payload write, and a single mapping of a file.
const MaxWindow = 512 << 20

// Transport is the bootloader link. Every Read returns one response packet.
type Transport interface {
	io.ReadWriter
	// WaitDisconnect blocks until the link is lost or ctx ends.
	WaitDisconnect(ctx context.Context) error
	Close() error
}

// deadliner is implemented by transports whose reads can be bounded.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Engine owns the action queue of one bootloader session.
type Engine struct {
	t      Transport
	queue  []*Action
	output *OutputLog
	window int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithOutputLines bounds the output log.
func WithOutputLines(n int) EngineOption {
	return func(e *Engine) { e.output = NewOutputLog(n) }
}

// WithWindow overrides the payload window. It is rounded down to a page
// multiple, with one page as the minimum.
func WithWindow(n int) EngineOption {
	return func(e *Engine) {
		page := os.Getpagesize()
		n -= n % page
		if n < page {
			n = page
		}
		e.window = n
	}
}

func NewEngine(t Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		t:      t,
		output: NewOutputLog(DefaultOutputLines),
		window: MaxWindow,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) enqueue(a *Action) *Action {
	e.queue = append(e.queue, a)
	return a
}

// QueueCommand queues a command whose OKAY text is ignored.
func (e *Engine) QueueCommand(cmd string) *Action {
	return e.enqueue(&Action{Op: OpCommand, Cmd: cmd})
}

// QueueQuery queues a command whose OKAY text is kept in Action.Result.
func (e *Engine) QueueQuery(cmd string, cb Callback) *Action {
	return e.enqueue(&Action{Op: OpQuery, Cmd: cmd, Callback: cb})
}

// QueueDownload queues an in-memory payload transfer.
func (e *Engine) QueueDownload(name string, data []byte) *Action {
	return e.enqueue(&Action{Op: OpDownload, Cmd: name, Data: data})
}

// QueueDownloadFile queues a transfer of the file at path.
func (e *Engine) QueueDownloadFile(name, path string) *Action {
	return e.enqueue(&Action{Op: OpDownloadFd, Cmd: name, Path: path})
}

// QueueNotice queues a message for the output log.
func (e *Engine) QueueNotice(msg string) *Action {
	return e.enqueue(&Action{Op: OpNotice, Cmd: msg})
}

// QueueWaitForDisconnect queues a wait for link loss, typically after reboot.
func (e *Engine) QueueWaitForDisconnect() *Action {
	return e.enqueue(&Action{Op: OpWaitForDisconnect})
}

// Pending returns the number of queued actions.
func (e *Engine) Pending() int {
	return len(e.queue)
}

// Output drains the output log in insertion order.
func (e *Engine) Output() []string {
	return e.output.Drain()
}

// Execute runs the queue in order and stops at the first failure. The queue
// is empty afterwards either way.
func (e *Engine) Execute(ctx context.Context) error {
	queue := e.queue
	e.queue = nil

	for i, a := range queue {
		start := time.Now()
		resp, err := e.run(ctx, a)
		a.Elapsed = time.Since(start)

		status := StatusOkay
		if err != nil {
			status = StatusFail
			resp = err.Error()
		} else {
			a.Result = resp
		}
		metrics.FastbootActionsTotal.WithLabelValues(a.Op.String(), status.String()).Inc()

		cb := a.Callback
		if cb == nil {
			cb = e.defaultCallback
		}
		cb(a, status, resp)

		if err != nil {
			log.Warn("Bootloader action failed", "op", a.Op.String(), "cmd", a.Cmd,
				"index", i, "skipped", len(queue)-i-1, "error", err.Error())
			return fmt.Errorf("%s %q: %w", a.Op, a.Cmd, err)
		}
	}
	return nil
}

func (e *Engine) defaultCallback(a *Action, status Status, resp string) {
	switch {
	case a.Op == OpNotice:
		e.output.Push(a.Cmd)
	case status == StatusFail:
		e.output.Push(fmt.Sprintf("%s %s FAILED (%s) [%7.3fs]", a.Op, a.Cmd, resp, a.Elapsed.Seconds()))
	default:
		e.output.Push(fmt.Sprintf("%s %s OKAY [%7.3fs]", a.Op, a.Cmd, a.Elapsed.Seconds()))
	}
}

func (e *Engine) run(ctx context.Context, a *Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch a.Op {
	case OpCommand, OpQuery:
		return e.command(ctx, a.Cmd)
	case OpDownload:
		return e.download(ctx, uint32(len(a.Data)), func() error { return e.writePayload(a.Data) })
	case OpDownloadFd:
		return e.downloadFile(ctx, a.Path)
	case OpNotice:
		log.Info("Bootloader notice", "message", a.Cmd)
		return "", nil
	case OpWaitForDisconnect:
		return "", e.t.WaitDisconnect(ctx)
	default:
		return "", fmt.Errorf("unknown op %d: %w", a.Op, errdefs.ErrProtocol)
	}
}

// command writes cmd and reads until a terminal status word.
func (e *Engine) command(ctx context.Context, cmd string) (string, error) {
	if err := e.writeCommand(cmd); err != nil {
		return "", err
	}
	r, err := e.readStatus(ctx, cmd)
	if err != nil {
		return "", err
	}
	if r.Kind == ResponseData {
		return "", fmt.Errorf("unexpected DATA for %q: %w", cmd, errdefs.ErrProtocol)
	}
	return r.Text, nil
}

func (e *Engine) download(ctx context.Context, size uint32, send func() error) (string, error) {
	cmd := "download:" + FormatSize(size)
	if err := e.writeCommand(cmd); err != nil {
		return "", err
	}

	r, err := e.readStatus(ctx, cmd)
	if err != nil {
		return "", err
	}
	if r.Kind != ResponseData {
		return "", fmt.Errorf("expected DATA for %q, got %s: %w", cmd, r.Kind, errdefs.ErrProtocol)
	}
	if r.Size != size {
		return "", fmt.Errorf("DATA size %s does not match %s: %w", FormatSize(r.Size), FormatSize(size), errdefs.ErrProtocol)
	}

	if err := send(); err != nil {
		return "", err
	}

	r, err = e.readStatus(ctx, cmd)
	if err != nil {
		return "", err
	}
	if r.Kind != ResponseOkay {
		return "", fmt.Errorf("unexpected %s after payload: %w", r.Kind, errdefs.ErrProtocol)
	}
	return r.Text, nil
}

func (e *Engine) downloadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat image: %w", err)
	}
	if fi.Size() > int64(^uint32(0)) {
		return "", fmt.Errorf("image %s is %d bytes: %w", path, fi.Size(), errdefs.ErrResourceExhausted)
	}
	size := fi.Size()

	return e.download(ctx, uint32(size), func() error {
		for off := int64(0); off < size; off += int64(e.window) {
			n := min(int64(e.window), size-off)
			if err := e.writeMapped(f, off, int(n)); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeMapped maps [off, off+n) of f and writes it. off is page aligned.
func (e *Engine) writeMapped(f *os.File, off int64, n int) error {
	data, err := unix.Mmap(int(f.Fd()), off, n, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap window at %d: %w", off, err)
	}
	defer func() { _ = unix.Munmap(data) }()
	return e.writeAll(data)
}

func (e *Engine) writePayload(data []byte) error {
	for len(data) > 0 {
		n := min(len(data), e.window)
		if err := e.writeAll(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (e *Engine) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := e.t.Write(b)
		if err != nil {
			return fmt.Errorf("bootloader write: %w: %w", err, errdefs.ErrTransportUnavailable)
		}
		if n == 0 {
			return fmt.Errorf("bootloader write made no progress: %w", errdefs.ErrTransportUnavailable)
		}
		metrics.FastbootBytesTotal.Add(float64(n))
		b = b[n:]
	}
	return nil
}

func (e *Engine) writeCommand(cmd string) error {
	if len(cmd) > MaxCommandLen {
		return fmt.Errorf("command of %d bytes: %w", len(cmd), errdefs.ErrResourceExhausted)
	}
	if _, err := e.t.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("bootloader write %q: %w: %w", cmd, err, errdefs.ErrTransportUnavailable)
	}
	return nil
}

// readStatus reads packets until OKAY, FAIL or DATA. INFO lines go to the
// output log.
func (e *Engine) readStatus(ctx context.Context, cmd string) (Response, error) {
	if d, ok := e.t.(deadliner); ok {
		deadline, _ := ctx.Deadline()
		if err := d.SetReadDeadline(deadline); err != nil {
			log.Debug("Bootloader read deadline not supported", "error", err.Error())
		}
	}

	buf := make([]byte, MaxResponseLen)
	for {
		n, err := e.t.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Response{}, fmt.Errorf("bootloader read: %w", errdefs.ErrTimeout)
			}
			return Response{}, fmt.Errorf("bootloader read: %w: %w", err, errdefs.ErrTransportUnavailable)
		}
		r, err := ParseResponse(buf[:n])
		if err != nil {
			log.Warn("Unparseable bootloader packet", "cmd", cmd, "packet", buf[:n])
			return Response{}, err
		}

		switch r.Kind {
		case ResponseInfo:
			e.output.Push("(bootloader) " + r.Text)
		case ResponseFail:
			return r, &errdefs.DeviceRejectedError{Op: cmd, Reason: r.Text}
		default:
			return r, nil
		}
	}
}
