package at

import (
	"strings"
)

// Outcome classifies a raw AT reply.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeError
	// OutcomeUnparseable: neither OK nor an error marker was found.
	OutcomeUnparseable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeError:
		return "error"
	default:
		return "unparseable"
	}
}

// Extract reduces a raw reply to its canonical text. The payload is every
// non-empty line after the echoed command and before the OK line. A line
// containing ERROR before OK gives OutcomeError with empty text. Without any
// marker the trimmed raw text is returned as OutcomeUnparseable.
func Extract(cmd, raw string) (Outcome, string) {
	var payload []string
	echo := strings.TrimSpace(cmd)
	first := true

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first {
			first = false
			if echo != "" && strings.EqualFold(line, echo) {
				continue
			}
		}

		switch {
		case line == "OK":
			return OutcomeOk, strings.Join(payload, "\n")
		case isErrorLine(line):
			return OutcomeError, ""
		default:
			payload = append(payload, line)
		}
	}

	return OutcomeUnparseable, strings.TrimSpace(raw)
}

// isErrorLine matches ERROR anywhere in the line. Modules glue it to a
// partial payload or follow it with a reason ("ERROR: SIM busy").
func isErrorLine(line string) bool {
	return strings.Contains(line, "ERROR")
}

// isFinal reports whether raw already holds a final result line.
func isFinal(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "OK" || isErrorLine(line) {
			return true
		}
	}
	return false
}

// stripTag removes a response prefix such as "*BFWVER:" from text.
func stripTag(text, tag string) string {
	if tag == "" {
		return text
	}
	if rest, ok := strings.CutPrefix(text, tag); ok {
		return strings.TrimSpace(rest)
	}
	return text
}
