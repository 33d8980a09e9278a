// Package message is the fixed-size envelope exchanged on the modem bus.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

const (
	MaxResponse = 500
	MaxContent  = 30

	// Size is the encoded length: three u32 words plus both text fields.
	Size = 4*3 + MaxResponse + MaxContent
)

// Status of a reply.
type Status uint32

const (
	StatusNone Status = iota
	StatusOk
	StatusError
	StatusTimeout
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	case StatusTimeout:
		return "Timeout"
	case StatusBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Message is one request or reply. Text fields are bounded; use New and
// SetResponse to construct them.
type Message struct {
	Sender   command.Identity
	Command  command.ID
	Status   Status
	Response string
	Content  string
}

// wire mirrors the encoded layout.
type wire struct {
	Sender   uint32
	Command  uint32
	Status   uint32
	Response [MaxResponse]byte
	Content  [MaxContent]byte
}

// New builds a request. Content longer than MaxContent is rejected.
func New(sender command.Identity, cid command.ID, content string) (Message, error) {
	if len(content) > MaxContent {
		return Message{}, fmt.Errorf("content of %d bytes exceeds %d: %w", len(content), MaxContent, errdefs.ErrResourceExhausted)
	}
	return Message{Sender: sender, Command: cid, Content: content}, nil
}

// Reply returns the reply skeleton for m, sent back by identity from.
func (m Message) Reply(from command.Identity) Message {
	return Message{Sender: from, Command: m.Command}
}

// SetResponse sets the response text, rejecting text over MaxResponse.
func (m *Message) SetResponse(text string) error {
	if len(text) > MaxResponse {
		return fmt.Errorf("response of %d bytes exceeds %d: %w", len(text), MaxResponse, errdefs.ErrResourceExhausted)
	}
	m.Response = text
	return nil
}

// MarshalBinary encodes m into exactly Size bytes, little endian, NUL padded.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Response) > MaxResponse || len(m.Content) > MaxContent {
		return nil, fmt.Errorf("message text out of bounds: %w", errdefs.ErrResourceExhausted)
	}

	w := wire{
		Sender:  uint32(m.Sender),
		Command: uint32(m.Command),
		Status:  uint32(m.Status),
	}
	copy(w.Response[:], m.Response)
	copy(w.Content[:], m.Content)

	buf := bytes.NewBuffer(make([]byte, 0, Size))
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a datagram of exactly Size bytes.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("message of %d bytes, want %d: %w", len(b), Size, errdefs.ErrProtocol)
	}

	var w wire
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return fmt.Errorf("decode message: %w", errdefs.ErrProtocol)
	}

	*m = Message{
		Sender:   command.Identity(w.Sender),
		Command:  command.ID(w.Command),
		Status:   Status(w.Status),
		Response: cstring(w.Response[:]),
		Content:  cstring(w.Content[:]),
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Err maps a reply status to an error. None and Ok map to nil.
func (m Message) Err() error {
	switch m.Status {
	case StatusNone, StatusOk:
		return nil
	case StatusError:
		return &errdefs.DeviceRejectedError{Op: m.Command.Name(), Reason: m.Response}
	case StatusTimeout:
		return fmt.Errorf("%s: %w", m.Command.Name(), errdefs.ErrTimeout)
	case StatusBusy:
		return fmt.Errorf("%s: destination busy: %w", m.Command.Name(), errdefs.ErrResourceExhausted)
	default:
		return fmt.Errorf("%s: unknown status %d: %w", m.Command.Name(), uint32(m.Status), errdefs.ErrProtocol)
	}
}
