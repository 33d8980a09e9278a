package firmware

import (
	"strconv"
	"strings"
	"unicode"
)

// CompareVersions orders two version strings segment by segment. Numeric
// segments compare by value, others lexically; a version that is a prefix
// of the other sorts first.
func CompareVersions(a, b string) int {
	as, bs := segments(a), segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func segments(v string) []string {
	return strings.FieldsFunc(strings.TrimSpace(v), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func compareSegment(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// OemToken extracts the version token from an OEM version report such as
// "OEM: ACME_02.01 (built 2024)".
func OemToken(report string) string {
	report = strings.TrimSpace(report)
	if i := strings.LastIndex(report, ":"); i >= 0 {
		report = report[i+1:]
	}
	fields := strings.Fields(report)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
