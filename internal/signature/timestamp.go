package signature

import (
	"fmt"
	"strings"
	"time"
)

// TimestampFormat selects the text form of the timestamp appended to the signed payload.
// Signer and verifier must agree on it byte for byte.
type TimestampFormat string

const (
	// FormatRFC3339 renders UTC seconds as 2006-01-02T15:04:05Z.
	FormatRFC3339 TimestampFormat = "rfc3339"
	// FormatEnUS renders UTC seconds as 1/2/2006 3:04:05 PM, the en-US general date/time pattern
	// some existing clients sign.
	FormatEnUS TimestampFormat = "en-us"
)

const (
	layoutRFC3339 = "2006-01-02T15:04:05Z"
	layoutEnUS    = "1/2/2006 3:04:05 PM"
)

// ParseTimestampFormat validates a configured format name.
func ParseTimestampFormat(s string) (TimestampFormat, error) {
	switch TimestampFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatRFC3339, "":
		return FormatRFC3339, nil
	case FormatEnUS:
		return FormatEnUS, nil
	default:
		return "", fmt.Errorf("unknown timestamp format %q (expected rfc3339 or en-us)", s)
	}
}

// Format renders t in UTC, truncated to whole seconds.
func (f TimestampFormat) Format(t time.Time) string {
	t = t.UTC().Truncate(time.Second)
	if f == FormatEnUS {
		return t.Format(layoutEnUS)
	}
	return t.Format(layoutRFC3339)
}

// Parse reads a request timestamp. Only the canonical text produced by Format is accepted, so the
// payload rebuilt from the parsed value is byte for byte what the client signed.
func (f TimestampFormat) Parse(s string) (time.Time, error) {
	layout := layoutRFC3339
	if f == FormatEnUS {
		layout = layoutEnUS
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q does not match %s: %w", s, layout, err)
	}
	if canonical := f.Format(t); canonical != s {
		return time.Time{}, fmt.Errorf("timestamp %q is not in canonical form %q", s, canonical)
	}
	return t, nil
}
