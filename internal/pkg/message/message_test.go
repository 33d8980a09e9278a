package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"empty strings", Message{Sender: command.IdentityFwupdate, Command: command.CidMadptGetFwVersion}},
		{"request with content", Message{Sender: command.IdentityPref, Command: command.CidMadptSetPreferredCarrier, Content: "VERIZON"}},
		{"reply", Message{Sender: command.IdentityMadpt, Command: command.CidMadptGetIMSI, Status: StatusOk, Response: "310150123456789"}},
		{"full fields", Message{
			Sender:   command.IdentityCore,
			Command:  command.CidPrefGetSimCarrier,
			Status:   StatusTimeout,
			Response: strings.Repeat("r", MaxResponse),
			Content:  strings.Repeat("c", MaxContent),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.msg.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() error = %v", err)
			}
			if len(b) != Size {
				t.Fatalf("encoded %d bytes, want %d", len(b), Size)
			}

			var got Message
			if err := got.UnmarshalBinary(b); err != nil {
				t.Fatalf("UnmarshalBinary() error = %v", err)
			}
			if got != tt.msg {
				t.Errorf("round trip = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestWireLayout(t *testing.T) {
	msg := Message{Sender: command.IdentityMadpt, Command: 0x0201, Status: StatusError, Response: "x", Content: "y"}
	b, err := msg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if Size != 542 {
		t.Fatalf("Size = %d", Size)
	}
	if b[0] != byte(command.IdentityMadpt) || b[4] != 0x01 || b[5] != 0x02 || b[8] != byte(StatusError) {
		t.Errorf("header bytes = % x", b[:12])
	}
	if b[12] != 'x' || b[13] != 0 {
		t.Errorf("response not NUL padded")
	}
	if b[12+MaxResponse] != 'y' || b[Size-1] != 0 {
		t.Errorf("content not at offset %d", 12+MaxResponse)
	}
}

func TestBounds(t *testing.T) {
	if _, err := New(command.IdentityCore, command.CidMadptSetOemVersion, strings.Repeat("a", MaxContent+1)); !errors.Is(err, errdefs.ErrResourceExhausted) {
		t.Errorf("New() oversize content error = %v", err)
	}

	m, err := New(command.IdentityCore, command.CidMadptSetOemVersion, "OEM_1.2")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetResponse(strings.Repeat("a", MaxResponse+1)); !errors.Is(err, errdefs.ErrResourceExhausted) {
		t.Errorf("SetResponse() oversize error = %v", err)
	}

	m.Response = strings.Repeat("a", MaxResponse+1)
	if _, err := m.MarshalBinary(); !errors.Is(err, errdefs.ErrResourceExhausted) {
		t.Errorf("MarshalBinary() oversize error = %v", err)
	}
}

func TestUnmarshalShort(t *testing.T) {
	var m Message
	if err := m.UnmarshalBinary(make([]byte, Size-1)); !errors.Is(err, errdefs.ErrProtocol) {
		t.Errorf("UnmarshalBinary() error = %v", err)
	}
}

func TestReply(t *testing.T) {
	req := Message{Sender: command.IdentityFwupdate, Command: command.CidMadptGetSKU, Content: "x"}
	r := req.Reply(command.IdentityMadpt)
	if r.Sender != command.IdentityMadpt || r.Command != req.Command || r.Content != "" {
		t.Errorf("Reply() = %+v", r)
	}
}

func TestErr(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{StatusNone, nil},
		{StatusOk, nil},
		{StatusError, errdefs.ErrDeviceRejected},
		{StatusTimeout, errdefs.ErrTimeout},
		{StatusBusy, errdefs.ErrResourceExhausted},
		{Status(9), errdefs.ErrProtocol},
	}

	for _, tt := range tests {
		err := Message{Command: command.CidMadptGetSKU, Status: tt.status}.Err()
		if tt.want == nil {
			if err != nil {
				t.Errorf("%v: Err() = %v", tt.status, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%v: Err() = %v, want %v", tt.status, err, tt.want)
		}
	}
}
