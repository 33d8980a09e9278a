package fastboot

import (
	"fmt"
	"strconv"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

// ResponseKind is the 4-byte status word that starts every response.
type ResponseKind int

const (
	ResponseOkay ResponseKind = iota
	ResponseFail
	ResponseInfo
	ResponseData
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseOkay:
		return "OKAY"
	case ResponseFail:
		return "FAIL"
	case ResponseInfo:
		return "INFO"
	default:
		return "DATA"
	}
}

const (
	// MaxCommandLen bounds command text written to the device.
	MaxCommandLen = 64
	// MaxResponseLen is the largest response packet.
	MaxResponseLen = 256
)

// Response is one parsed response packet.
type Response struct {
	Kind ResponseKind
	Text string
	// Size of the data phase, for DATA responses.
	Size uint32
}

// ParseResponse classifies a response packet. Packets shorter than the
// status word, unknown status words and malformed DATA sizes are protocol
// errors.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < 4 {
		return Response{}, fmt.Errorf("response of %d bytes: %w", len(b), errdefs.ErrProtocol)
	}

	word, rest := string(b[:4]), string(b[4:])
	switch word {
	case "OKAY":
		return Response{Kind: ResponseOkay, Text: rest}, nil
	case "FAIL":
		return Response{Kind: ResponseFail, Text: rest}, nil
	case "INFO":
		return Response{Kind: ResponseInfo, Text: rest}, nil
	case "DATA":
		if len(rest) != 8 {
			return Response{}, fmt.Errorf("DATA size %q is not 8 hex digits: %w", rest, errdefs.ErrProtocol)
		}
		n, err := strconv.ParseUint(rest, 16, 32)
		if err != nil {
			return Response{}, fmt.Errorf("DATA size %q: %w", rest, errdefs.ErrProtocol)
		}
		return Response{Kind: ResponseData, Size: uint32(n)}, nil
	default:
		return Response{}, fmt.Errorf("unknown status word %q: %w", word, errdefs.ErrProtocol)
	}
}

// FormatSize renders a size the way the bootloader expects it.
func FormatSize(n uint32) string {
	return fmt.Sprintf("%08x", n)
}
