package log

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxBinary bounds how many bytes of a frame are rendered into a log line.
const maxBinary = 64

// secretKeys are logged as a fixed placeholder.
var secretKeys = map[string]struct{}{
	"password":  {},
	"token":     {},
	"oemToken":  {},
	"secretKey": {},
}

// toFields turns the key/value arguments of a log call into zap fields.
// A bare error or zap.Field is accepted anywhere in the list.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i += 2

		// key 不是 string 时保留原值，避免丢数据
		keyStr, ok := key.(string)
		if !ok {
			fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", i/2), map[string]any{
				"key":   key,
				"value": val,
			}))
			continue
		}
		fields = append(fields, field(keyStr, val))
	}
	return fields
}

func field(key string, val any) zap.Field {
	if _, secret := secretKeys[key]; secret && val != nil && val != "" {
		return zap.String(key, "***")
	}

	switch v := val.(type) {
	case string:
		return zap.String(key, v)
	case bool:
		return zap.Bool(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case uint32:
		return zap.Uint32(key, v)
	case uint64:
		return zap.Uint64(key, v)
	case float64:
		return zap.Float64(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case time.Time:
		return zap.Time(key, v)
	case []byte:
		return zap.String(key, hexDump(v))
	case error:
		return zap.NamedError(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}

// hexDump renders a wire frame as hex, truncated after maxBinary bytes.
func hexDump(b []byte) string {
	if len(b) <= maxBinary {
		return hex.EncodeToString(b)
	}
	var sb strings.Builder
	sb.WriteString(hex.EncodeToString(b[:maxBinary]))
	fmt.Fprintf(&sb, "...(%d bytes)", len(b))
	return sb.String()
}
