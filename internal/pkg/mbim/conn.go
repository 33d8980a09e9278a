// Package mbim is a minimal MBIM control channel: open and close of the
// function, COMMAND round trips and status indications.
package mbim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// State of the control connection.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

const (
	DefaultOpenTimeout        = 30 * time.Second
	DefaultCloseTimeout       = 5 * time.Second
	DefaultMaxControlTransfer = 4096
)

// IndicationHandler receives INDICATE_STATUS messages on the reader goroutine.
type IndicationHandler func(Indication)

// reply is what a pending transaction resolves to.
type reply struct {
	typ    MessageType
	status uint32
	done   CommandDone
	err    error
}

// assembly collects the fragments of one transaction.
type assembly struct {
	typ   MessageType
	total uint32
	next  uint32
	body  []byte
}

// Conn is one MBIM control connection over a cdc-wdm style device.
type Conn struct {
	rw           io.ReadWriteCloser
	maxTransfer  uint32
	openTimeout  time.Duration
	closeTimeout time.Duration
	onIndication IndicationHandler

	state   atomic.Int32
	lastTID atomic.Uint32

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[uint32]chan reply
	fragments map[uint32]*assembly

	done    chan struct{}
	readErr error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

func WithMaxControlTransfer(n uint32) ConnOption {
	return func(c *Conn) { c.maxTransfer = n }
}

func WithTimeouts(open, close time.Duration) ConnOption {
	return func(c *Conn) {
		c.openTimeout = open
		c.closeTimeout = close
	}
}

func WithIndicationHandler(h IndicationHandler) ConnOption {
	return func(c *Conn) { c.onIndication = h }
}

// NewConn wraps rw and starts the reader goroutine. The connection is
// Closed until Open succeeds.
func NewConn(rw io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rw:           rw,
		maxTransfer:  DefaultMaxControlTransfer,
		openTimeout:  DefaultOpenTimeout,
		closeTimeout: DefaultCloseTimeout,
		pending:      make(map[uint32]chan reply),
		fragments:    make(map[uint32]*assembly),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Open sends OPEN and waits for OPEN_DONE.
func (c *Conn) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateClosed), int32(StateOpening)) {
		return fmt.Errorf("open in state %s: %w", c.State(), errdefs.ErrProtocol)
	}

	r, err := c.roundTrip(ctx, c.openTimeout, func(tid uint32) [][]byte {
		return [][]byte{encodeOpen(tid, c.maxTransfer)}
	})
	if err == nil && r.status != statusSuccess {
		err = &errdefs.DeviceRejectedError{Op: "mbim open", Reason: fmt.Sprintf("status %d", r.status)}
	}
	if err != nil {
		c.state.Store(int32(StateClosed))
		return err
	}

	c.state.Store(int32(StateOpen))
	log.Debug("MBIM function opened", "maxControlTransfer", c.maxTransfer)
	return nil
}

// Close sends CLOSE, waits for CLOSE_DONE and releases the device. The
// device is released even when CLOSE_DONE never arrives.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		var r reply
		r, err = c.roundTrip(ctx, c.closeTimeout, func(tid uint32) [][]byte {
			return [][]byte{encodeClose(tid)}
		})
		if err == nil && r.status != statusSuccess {
			err = &errdefs.DeviceRejectedError{Op: "mbim close", Reason: fmt.Sprintf("status %d", r.status)}
		}
	}
	c.state.Store(int32(StateClosed))
	if cerr := c.rw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Command runs one COMMAND and returns the information buffer of its
// COMMAND_DONE.
func (c *Conn) Command(ctx context.Context, service uuid.UUID, cid uint32, typ CommandType, info []byte) ([]byte, error) {
	if c.State() != StateOpen {
		return nil, fmt.Errorf("command in state %s: %w", c.State(), errdefs.ErrTransportUnavailable)
	}

	r, err := c.roundTrip(ctx, 0, func(tid uint32) [][]byte {
		return encodeCommand(tid, service, cid, typ, info, c.maxTransfer)
	})
	if err != nil {
		return nil, err
	}
	if r.done.Status != statusSuccess {
		return nil, &errdefs.DeviceRejectedError{Op: fmt.Sprintf("mbim command %d", cid), Reason: fmt.Sprintf("status %d", r.done.Status)}
	}
	return r.done.Info, nil
}

// nextTID returns a transaction id that is non-zero and not outstanding.
// Caller holds c.mu.
func (c *Conn) nextTID() uint32 {
	for {
		tid := c.lastTID.Add(1)
		if tid == 0 {
			continue
		}
		if _, busy := c.pending[tid]; !busy {
			return tid
		}
	}
}

// roundTrip registers a future, writes the frames and joins the future
// with a deadline. A zero timeout relies on ctx alone.
func (c *Conn) roundTrip(ctx context.Context, timeout time.Duration, frames func(tid uint32) [][]byte) (reply, error) {
	ch := make(chan reply, 1)

	c.mu.Lock()
	tid := c.nextTID()
	c.pending[tid] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		delete(c.fragments, tid)
		c.mu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.write(frames(tid)...); err != nil {
		return reply{}, err
	}

	select {
	case r := <-ch:
		return r, r.err
	case <-c.done:
		return reply{}, fmt.Errorf("mbim reader stopped: %v: %w", c.readErr, errdefs.ErrTransportUnavailable)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return reply{}, fmt.Errorf("mbim transaction %d: %w: %w", tid, ctx.Err(), errdefs.ErrTimeout)
		}
		return reply{}, ctx.Err()
	}
}

func (c *Conn) write(frames ...[]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if _, err := c.rw.Write(f); err != nil {
			return fmt.Errorf("mbim write: %w", err)
		}
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	hdr := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(c.rw, hdr); err != nil {
			c.readErr = err
			return
		}
		h, err := parseHeader(hdr)
		if err != nil {
			c.readErr = err
			return
		}
		body := make([]byte, h.Length-headerLen)
		if _, err := io.ReadFull(c.rw, body); err != nil {
			c.readErr = err
			return
		}
		c.dispatch(h, body)
	}
}

func (c *Conn) dispatch(h Header, body []byte) {
	switch h.Type {
	case TypeOpenDone, TypeCloseDone:
		if len(body) < 4 {
			c.resolve(h.TransactionID, reply{err: fmt.Errorf("short %s: %w", h.Type, errdefs.ErrProtocol)})
			return
		}
		c.resolve(h.TransactionID, reply{typ: h.Type, status: le.Uint32(body)})

	case TypeFunctionError:
		code := uint32(0)
		if len(body) >= 4 {
			code = le.Uint32(body)
		}
		err := &errdefs.DeviceRejectedError{Op: "mbim", Reason: fmt.Sprintf("function error %d", code)}
		if h.TransactionID == 0 || !c.resolve(h.TransactionID, reply{err: err}) {
			log.Warn("MBIM function error without transaction", "code", code)
		}

	case TypeCommandDone, TypeIndicateStatus:
		full, ok := c.reassemble(h, body)
		if !ok {
			return
		}
		if h.Type == TypeIndicateStatus {
			c.indicate(full)
			return
		}
		done, err := parseCommandDone(full)
		c.resolve(h.TransactionID, reply{typ: h.Type, done: done, err: err})

	default:
		log.Warn("Ignoring unexpected MBIM message", "type", h.Type.String(), "tid", h.TransactionID, "body", body)
		_ = c.write(encodeHostError(h.TransactionID, 2))
	}
}

// reassemble appends one fragment and returns the full body once the last
// fragment has arrived.
func (c *Conn) reassemble(h Header, body []byte) ([]byte, bool) {
	frag, data, err := parseFragment(body)
	if err != nil {
		c.resolve(h.TransactionID, reply{err: err})
		return nil, false
	}
	if frag.Total == 1 {
		return data, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.fragments[h.TransactionID]
	if frag.Current == 0 {
		a = &assembly{typ: h.Type, total: frag.Total}
		c.fragments[h.TransactionID] = a
	}
	if a == nil || a.typ != h.Type || a.total != frag.Total || a.next != frag.Current {
		delete(c.fragments, h.TransactionID)
		log.Warn("Dropping out of order MBIM fragment", "tid", h.TransactionID, "fragment", frag.Current, "total", frag.Total)
		if ch, ok := c.pending[h.TransactionID]; ok {
			ch <- reply{err: fmt.Errorf("fragment %d out of order: %w", frag.Current, errdefs.ErrProtocol)}
			delete(c.pending, h.TransactionID)
		}
		return nil, false
	}

	a.body = append(a.body, data...)
	a.next++
	if a.next < a.total {
		return nil, false
	}
	delete(c.fragments, h.TransactionID)
	return a.body, true
}

func (c *Conn) indicate(body []byte) {
	ind, err := parseIndication(body)
	if err != nil {
		log.Warn("Dropping malformed MBIM indication", "error", err.Error())
		return
	}
	if c.onIndication != nil {
		c.onIndication(ind)
	}
}

// resolve completes the future of tid. Replies for unknown transactions are
// dropped and reported false.
func (c *Conn) resolve(tid uint32, r reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[tid]
	if ok {
		delete(c.pending, tid)
	}
	c.mu.Unlock()

	if !ok {
		log.Debug("Dropping MBIM reply for unknown transaction", "tid", tid, "type", r.typ.String())
		return false
	}
	ch <- r
	return true
}
