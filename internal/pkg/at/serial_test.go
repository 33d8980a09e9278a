package at

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
)

// mockPort replays queued read chunks. An exhausted queue behaves like a
// read timeout: zero bytes and no error.
type mockPort struct {
	written bytes.Buffer
	chunks  [][]byte
	resets  int
	closed  bool
}

func (m *mockPort) Read(p []byte) (int, error) {
	if len(m.chunks) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, m.chunks[0])
	m.chunks = m.chunks[1:]
	return n, nil
}

func (m *mockPort) Write(p []byte) (int, error)        { return m.written.Write(p) }
func (m *mockPort) SetReadTimeout(time.Duration) error { return nil }
func (m *mockPort) ResetInputBuffer() error            { m.resets++; return nil }
func (m *mockPort) Close() error                       { m.closed = true; return nil }

func TestSerialExchange(t *testing.T) {
	port := &mockPort{chunks: [][]byte{
		[]byte("AT+CGSN\r\n+CGSN: 3567"),
		[]byte("89012345678\r\n\r\nO"),
		[]byte("K\r\n"),
	}}
	tr := NewSerialTransport(port, "/dev/ttyUSB2")

	raw, err := tr.Exchange(context.Background(), "AT+CGSN")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if got := port.written.String(); got != "AT+CGSN\r" {
		t.Errorf("wrote %q", got)
	}
	if port.resets != 1 {
		t.Errorf("input buffer reset %d times", port.resets)
	}

	outcome, text := Extract("AT+CGSN", raw)
	if outcome != OutcomeOk || stripTag(text, "+CGSN:") != "356789012345678" {
		t.Errorf("Extract() = %v, %q", outcome, text)
	}

	_ = tr.Close()
	if !port.closed {
		t.Error("port not closed")
	}
}

func TestSerialExchangeDeadline(t *testing.T) {
	port := &mockPort{chunks: [][]byte{[]byte("AT*BSKU?\r\n")}}
	tr := NewSerialTransport(port, "/dev/ttyUSB2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	raw, err := tr.Exchange(ctx, "AT*BSKU?")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Exchange() error = %v", err)
	}
	if raw != "AT*BSKU?\r\n" {
		t.Errorf("partial reply = %q", raw)
	}
}

func TestOpenSerialNoPort(t *testing.T) {
	if _, err := OpenSerial("", 115200, time.Millisecond); err == nil {
		t.Error("OpenSerial(\"\") succeeded")
	}
}

func TestSerialReinit(t *testing.T) {
	tests := []struct {
		name    string
		reopen  func() (SerialPort, error)
		wantErr error
	}{
		{
			name:   "reopened",
			reopen: func() (SerialPort, error) { return &mockPort{chunks: [][]byte{[]byte("OK\r\n")}}, nil },
		},
		{
			name:    "node gone",
			reopen:  func() (SerialPort, error) { return nil, errdefs.ErrTransportUnavailable },
			wantErr: errdefs.ErrTransportUnavailable,
		},
		{
			name:    "no opener",
			wantErr: errdefs.ErrTransportUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := &mockPort{}
			var opts []SerialOption
			if tt.reopen != nil {
				opts = append(opts, WithReopen(tt.reopen))
			}
			tr := NewSerialTransport(old, "/dev/ttyUSB2", opts...)

			err := tr.Reinit(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Reinit() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reinit() error = %v", err)
			}
			if !old.closed {
				t.Error("old port not closed")
			}
			raw, err := tr.Exchange(context.Background(), "AT")
			if err != nil || raw != "OK\r\n" {
				t.Errorf("Exchange() after Reinit = %q, %v", raw, err)
			}
			if old.written.Len() != 0 {
				t.Errorf("old port written after Reinit: %q", old.written.String())
			}
		})
	}
}

func TestDispatchReinitSerial(t *testing.T) {
	reopened := 0
	port := &mockPort{chunks: [][]byte{[]byte("ERROR\r\n"), []byte("ERROR\r\n")}}
	tr := NewSerialTransport(port, "/dev/ttyUSB2", WithReopen(func() (SerialPort, error) {
		reopened++
		return &mockPort{chunks: [][]byte{[]byte("OK\r\n")}}, nil
	}))
	d := NewDispatcher(Probe{Kind: KindSerial, Transport: tr}, WithTimeout(50*time.Millisecond), WithErrorCeiling(2))

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), command.CidMadptEchoOff, ""); err == nil {
			t.Fatalf("Dispatch() #%d succeeded", i)
		}
	}
	if reopened != 1 || !port.closed {
		t.Fatalf("reopened = %d, old port closed = %v", reopened, port.closed)
	}
	if res, err := d.Dispatch(context.Background(), command.CidMadptEchoOff, ""); err != nil || res.Status != message.StatusOk {
		t.Errorf("Dispatch() after reopen = %+v, %v", res, err)
	}
}
