package mbim

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

// MessageType of an MBIM control message.
type MessageType uint32

const (
	TypeOpen      MessageType = 0x00000001
	TypeClose     MessageType = 0x00000002
	TypeCommand   MessageType = 0x00000003
	TypeHostError MessageType = 0x00000004

	TypeOpenDone       MessageType = 0x80000001
	TypeCloseDone      MessageType = 0x80000002
	TypeCommandDone    MessageType = 0x80000003
	TypeFunctionError  MessageType = 0x80000004
	TypeIndicateStatus MessageType = 0x80000007
)

func (t MessageType) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeClose:
		return "CLOSE"
	case TypeCommand:
		return "COMMAND"
	case TypeHostError:
		return "HOST_ERROR"
	case TypeOpenDone:
		return "OPEN_DONE"
	case TypeCloseDone:
		return "CLOSE_DONE"
	case TypeCommandDone:
		return "COMMAND_DONE"
	case TypeFunctionError:
		return "FUNCTION_ERROR"
	case TypeIndicateStatus:
		return "INDICATE_STATUS"
	default:
		return fmt.Sprintf("0x%08x", uint32(t))
	}
}

// CommandType of a COMMAND message.
type CommandType uint32

const (
	CommandQuery CommandType = 0
	CommandSet   CommandType = 1
)

const (
	headerLen   = 12
	fragmentLen = 8
	// service(16) + cid + command type / status + info buffer length
	commandFixedLen = 16 + 4 + 4 + 4
	// service(16) + cid + info buffer length
	indicateFixedLen = 16 + 4 + 4

	statusSuccess = 0
)

var le = binary.LittleEndian

// Header starts every control message.
type Header struct {
	Type          MessageType
	Length        uint32
	TransactionID uint32
}

func (h Header) put(b []byte) {
	le.PutUint32(b[0:], uint32(h.Type))
	le.PutUint32(b[4:], h.Length)
	le.PutUint32(b[8:], h.TransactionID)
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("short header of %d bytes: %w", len(b), errdefs.ErrProtocol)
	}
	h := Header{
		Type:          MessageType(le.Uint32(b[0:])),
		Length:        le.Uint32(b[4:]),
		TransactionID: le.Uint32(b[8:]),
	}
	if h.Length < headerLen {
		return Header{}, fmt.Errorf("message length %d below header size: %w", h.Length, errdefs.ErrProtocol)
	}
	return h, nil
}

// fragment header of COMMAND, COMMAND_DONE and INDICATE_STATUS.
type fragment struct {
	Total   uint32
	Current uint32
}

func parseFragment(b []byte) (fragment, []byte, error) {
	if len(b) < fragmentLen {
		return fragment{}, nil, fmt.Errorf("short fragment header: %w", errdefs.ErrProtocol)
	}
	f := fragment{Total: le.Uint32(b[0:]), Current: le.Uint32(b[4:])}
	if f.Total == 0 || f.Current >= f.Total {
		return fragment{}, nil, fmt.Errorf("fragment %d of %d: %w", f.Current, f.Total, errdefs.ErrProtocol)
	}
	return f, b[fragmentLen:], nil
}

func encodeOpen(tid, maxControlTransfer uint32) []byte {
	b := make([]byte, headerLen+4)
	Header{Type: TypeOpen, Length: uint32(len(b)), TransactionID: tid}.put(b)
	le.PutUint32(b[headerLen:], maxControlTransfer)
	return b
}

func encodeClose(tid uint32) []byte {
	b := make([]byte, headerLen)
	Header{Type: TypeClose, Length: headerLen, TransactionID: tid}.put(b)
	return b
}

func encodeHostError(tid, code uint32) []byte {
	b := make([]byte, headerLen+4)
	Header{Type: TypeHostError, Length: uint32(len(b)), TransactionID: tid}.put(b)
	le.PutUint32(b[headerLen:], code)
	return b
}

// encodeCommand splits a COMMAND into fragments no larger than maxTransfer.
func encodeCommand(tid uint32, service uuid.UUID, cid uint32, typ CommandType, info []byte, maxTransfer uint32) [][]byte {
	body := make([]byte, commandFixedLen+len(info))
	copy(body[0:16], service[:])
	le.PutUint32(body[16:], cid)
	le.PutUint32(body[20:], uint32(typ))
	le.PutUint32(body[24:], uint32(len(info)))
	copy(body[commandFixedLen:], info)

	chunk := int(maxTransfer) - headerLen - fragmentLen
	if chunk <= 0 {
		chunk = len(body)
	}
	total := (len(body) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		part := body[i*chunk : min((i+1)*chunk, len(body))]
		b := make([]byte, headerLen+fragmentLen+len(part))
		Header{Type: TypeCommand, Length: uint32(len(b)), TransactionID: tid}.put(b)
		le.PutUint32(b[headerLen:], uint32(total))
		le.PutUint32(b[headerLen+4:], uint32(i))
		copy(b[headerLen+fragmentLen:], part)
		frames = append(frames, b)
	}
	return frames
}

// CommandDone is a reassembled COMMAND_DONE.
type CommandDone struct {
	Service uuid.UUID
	CID     uint32
	Status  uint32
	Info    []byte
}

func parseCommandDone(body []byte) (CommandDone, error) {
	if len(body) < commandFixedLen {
		return CommandDone{}, fmt.Errorf("short COMMAND_DONE of %d bytes: %w", len(body), errdefs.ErrProtocol)
	}
	var d CommandDone
	copy(d.Service[:], body[0:16])
	d.CID = le.Uint32(body[16:])
	d.Status = le.Uint32(body[20:])
	n := le.Uint32(body[24:])
	if int(n) > len(body)-commandFixedLen {
		return CommandDone{}, fmt.Errorf("info buffer length %d exceeds message: %w", n, errdefs.ErrProtocol)
	}
	d.Info = body[commandFixedLen : commandFixedLen+int(n)]
	return d, nil
}

// Indication is an unsolicited INDICATE_STATUS.
type Indication struct {
	Service uuid.UUID
	CID     uint32
	Info    []byte
}

func parseIndication(body []byte) (Indication, error) {
	if len(body) < indicateFixedLen {
		return Indication{}, fmt.Errorf("short INDICATE_STATUS: %w", errdefs.ErrProtocol)
	}
	var ind Indication
	copy(ind.Service[:], body[0:16])
	ind.CID = le.Uint32(body[16:])
	n := le.Uint32(body[20:])
	if int(n) > len(body)-indicateFixedLen {
		return Indication{}, fmt.Errorf("info buffer length %d exceeds message: %w", n, errdefs.ErrProtocol)
	}
	ind.Info = body[indicateFixedLen : indicateFixedLen+int(n)]
	return ind, nil
}

// EncodeATPayload frames AT text for the vendor tunnel: u32 length, text.
func EncodeATPayload(text string) []byte {
	b := make([]byte, 4+len(text))
	le.PutUint32(b, uint32(len(text)))
	copy(b[4:], text)
	return b
}

// DecodeATPayload is the inverse of EncodeATPayload.
func DecodeATPayload(b []byte) (string, error) {
	if len(b) < 4 {
		return "", fmt.Errorf("short AT payload: %w", errdefs.ErrProtocol)
	}
	n := le.Uint32(b)
	if int(n) > len(b)-4 {
		return "", fmt.Errorf("AT payload length %d exceeds buffer: %w", n, errdefs.ErrProtocol)
	}
	return string(b[4 : 4+n]), nil
}
