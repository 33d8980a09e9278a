package mbim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

var tunnel = uuid.MustParse("d1a30bc2-f97a-6e43-bf65-c7e24fb0f0d3")

// simDevice answers MBIM requests on one end of a pipe.
type simDevice struct {
	conn      net.Conn
	silent    bool   // never answer
	fragments int    // COMMAND_DONE fragment count
	indicate  bool   // send an indication before each COMMAND_DONE
	funcError bool   // answer COMMAND with FUNCTION_ERROR
	reply     string // AT reply text
	commands  atomic.Int32
}

func newSim(t *testing.T, sim *simDevice) io.ReadWriteCloser {
	t.Helper()
	host, dev := net.Pipe()
	sim.conn = dev
	if sim.fragments == 0 {
		sim.fragments = 1
	}
	go sim.serve()
	t.Cleanup(func() { dev.Close() })
	return host
}

func (s *simDevice) serve() {
	var cmdBody []byte
	for {
		hdr := make([]byte, headerLen)
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			return
		}
		h, err := parseHeader(hdr)
		if err != nil {
			return
		}
		body := make([]byte, h.Length-headerLen)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return
		}
		if s.silent {
			continue
		}

		switch h.Type {
		case TypeOpen:
			s.write(done(TypeOpenDone, h.TransactionID, 0))
		case TypeClose:
			s.write(done(TypeCloseDone, h.TransactionID, 0))
		case TypeCommand:
			frag, data, _ := parseFragment(body)
			cmdBody = append(cmdBody, data...)
			if frag.Current+1 < frag.Total {
				continue
			}
			s.commands.Add(1)
			s.answer(h.TransactionID, cmdBody)
			cmdBody = nil
		}
	}
}

func (s *simDevice) answer(tid uint32, body []byte) {
	if s.funcError {
		s.write(done(TypeFunctionError, tid, 7))
		return
	}
	cid := le.Uint32(body[16:])
	info := body[commandFixedLen:]
	text, _ := DecodeATPayload(info)

	if s.indicate {
		ind := make([]byte, indicateFixedLen+4)
		copy(ind, tunnel[:])
		le.PutUint32(ind[16:], 9)
		le.PutUint32(ind[20:], 4)
		le.PutUint32(ind[24:], 0xabcd)
		s.writeFragmented(TypeIndicateStatus, 0, ind, 1)
	}

	reply := s.reply
	if reply == "" {
		reply = strings.TrimSpace(text) + "\r\nOK\r\n"
	}
	payload := EncodeATPayload(reply)
	full := make([]byte, commandFixedLen+len(payload))
	copy(full, tunnel[:])
	le.PutUint32(full[16:], cid)
	le.PutUint32(full[20:], 0)
	le.PutUint32(full[24:], uint32(len(payload)))
	copy(full[commandFixedLen:], payload)
	s.writeFragmented(TypeCommandDone, tid, full, s.fragments)
}

func (s *simDevice) writeFragmented(typ MessageType, tid uint32, body []byte, n int) {
	chunk := (len(body) + n - 1) / n
	for i := 0; i < n; i++ {
		part := body[min(i*chunk, len(body)):min((i+1)*chunk, len(body))]
		b := make([]byte, headerLen+fragmentLen+len(part))
		Header{Type: typ, Length: uint32(len(b)), TransactionID: tid}.put(b)
		le.PutUint32(b[headerLen:], uint32(n))
		le.PutUint32(b[headerLen+4:], uint32(i))
		copy(b[headerLen+fragmentLen:], part)
		s.write(b)
	}
}

func (s *simDevice) write(b []byte) {
	_, _ = s.conn.Write(b)
}

func done(typ MessageType, tid, status uint32) []byte {
	b := make([]byte, headerLen+4)
	Header{Type: typ, Length: uint32(len(b)), TransactionID: tid}.put(b)
	le.PutUint32(b[headerLen:], status)
	return b
}

func TestEncodeCommandFragments(t *testing.T) {
	info := bytes.Repeat([]byte{0x5a}, 100)
	frames := encodeCommand(7, tunnel, 1, CommandSet, info, 64)

	var body []byte
	for i, f := range frames {
		h, err := parseHeader(f)
		if err != nil {
			t.Fatal(err)
		}
		if h.Type != TypeCommand || h.TransactionID != 7 || int(h.Length) != len(f) || len(f) > 64 {
			t.Fatalf("frame %d header = %+v, len %d", i, h, len(f))
		}
		frag, data, err := parseFragment(f[headerLen:])
		if err != nil {
			t.Fatal(err)
		}
		if int(frag.Total) != len(frames) || int(frag.Current) != i {
			t.Errorf("frame %d fragment = %+v", i, frag)
		}
		body = append(body, data...)
	}

	if !bytes.Equal(body[:16], tunnel[:]) || le.Uint32(body[24:]) != 100 || !bytes.Equal(body[commandFixedLen:], info) {
		t.Error("reassembled COMMAND body mismatch")
	}
}

func TestOpenCommandClose(t *testing.T) {
	sim := &simDevice{indicate: true}
	var indications atomic.Int32
	c := NewConn(newSim(t, sim), WithIndicationHandler(func(ind Indication) {
		if ind.CID == 9 && ind.Service == tunnel {
			indications.Add(1)
		}
	}))

	ctx := context.Background()
	if c.State() != StateClosed {
		t.Fatalf("initial state = %v", c.State())
	}
	if _, err := c.Command(ctx, tunnel, 1, CommandSet, EncodeATPayload("ATI")); !errors.Is(err, errdefs.ErrTransportUnavailable) {
		t.Errorf("Command() before Open error = %v", err)
	}

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("state after Open = %v", c.State())
	}
	if err := c.Open(ctx); !errors.Is(err, errdefs.ErrProtocol) {
		t.Errorf("second Open() error = %v", err)
	}

	info, err := c.Command(ctx, tunnel, 1, CommandSet, EncodeATPayload("AT+CIMI"))
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	text, err := DecodeATPayload(info)
	if err != nil || text != "AT+CIMI\r\nOK\r\n" {
		t.Errorf("reply = %q, %v", text, err)
	}
	if indications.Load() != 1 {
		t.Errorf("indications = %d, want 1", indications.Load())
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state after Close = %v", c.State())
	}
}

func TestMultiFragmentReply(t *testing.T) {
	long := strings.Repeat("Revision: SWI9X50C_01.14.03.00\r\n", 20) + "\r\nOK\r\n"
	sim := &simDevice{fragments: 3, reply: long}
	c := NewConn(newSim(t, sim))

	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	info, err := c.Command(ctx, tunnel, 1, CommandSet, EncodeATPayload("ATI"))
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if text, _ := DecodeATPayload(info); text != long {
		t.Errorf("reassembled reply has %d bytes, want %d", len(text), len(long))
	}
}

func TestOpenTimeout(t *testing.T) {
	sim := &simDevice{silent: true}
	c := NewConn(newSim(t, sim), WithTimeouts(30*time.Millisecond, 30*time.Millisecond))

	start := time.Now()
	err := c.Open(context.Background())
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("Open() error = %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Open() returned before its timeout")
	}
	if c.State() != StateClosed {
		t.Errorf("state after failed Open = %v", c.State())
	}
}

func TestFunctionError(t *testing.T) {
	sim := &simDevice{funcError: true}
	c := NewConn(newSim(t, sim))
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := c.Command(context.Background(), tunnel, 1, CommandSet, EncodeATPayload("ATI"))
	if !errors.Is(err, errdefs.ErrDeviceRejected) {
		t.Errorf("Command() error = %v", err)
	}
}

func TestTransactionIDs(t *testing.T) {
	c := &Conn{pending: map[uint32]chan reply{}}
	c.lastTID.Store(math.MaxUint32 - 1)

	c.pending[math.MaxUint32] = make(chan reply)
	if got := c.nextTID(); got != 1 {
		t.Errorf("nextTID() = %d, want 1 (skipping outstanding and zero)", got)
	}
	if got := c.nextTID(); got != 2 {
		t.Errorf("nextTID() = %d, want 2", got)
	}
}

func TestATPayload(t *testing.T) {
	b := EncodeATPayload("AT*BSKU?\r")
	if le.Uint32(b) != 9 {
		t.Errorf("length prefix = %d", le.Uint32(b))
	}
	if got, err := DecodeATPayload(b); err != nil || got != "AT*BSKU?\r" {
		t.Errorf("DecodeATPayload() = %q, %v", got, err)
	}

	for _, bad := range [][]byte{{1, 0}, {9, 0, 0, 0, 'A'}} {
		if _, err := DecodeATPayload(bad); !errors.Is(err, errdefs.ErrProtocol) {
			t.Errorf("DecodeATPayload(% x) error = %v", bad, err)
		}
	}
}

func TestATTransportReinit(t *testing.T) {
	var opens atomic.Int32
	open := func() (io.ReadWriteCloser, error) {
		opens.Add(1)
		return newSim(t, &simDevice{}), nil
	}

	ctx := context.Background()
	tr, err := NewATTransport(ctx, open, tunnel, 1)
	if err != nil {
		t.Fatalf("NewATTransport() error = %v", err)
	}
	defer tr.Close()

	raw, err := tr.Exchange(ctx, "ATE0")
	if err != nil || raw != "ATE0\r\nOK\r\n" {
		t.Fatalf("Exchange() = %q, %v", raw, err)
	}

	if err := tr.Reinit(ctx); err != nil {
		t.Fatalf("Reinit() error = %v", err)
	}
	if opens.Load() != 2 {
		t.Errorf("device opened %d times, want 2", opens.Load())
	}
	if _, err := tr.Exchange(ctx, "ATE0"); err != nil {
		t.Errorf("Exchange() after Reinit error = %v", err)
	}
}

func TestDeviceOpenerMissing(t *testing.T) {
	if _, err := DeviceOpener("")(); !errors.Is(err, errdefs.ErrTransportUnavailable) {
		t.Errorf("error = %v", err)
	}
	if _, err := DeviceOpener("/nonexistent/cdc-wdm9")(); !errors.Is(err, errdefs.ErrTransportUnavailable) {
		t.Errorf("error = %v", err)
	}
}
