// Package wire holds the shared wire-format conventions: timestamps travel
// as ISO-8601 UTC strings with millisecond precision, while the store keeps
// them as int64 Unix milliseconds.
package wire

import (
	"fmt"
	"time"
)

// TimeLayout is the wire timestamp format.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatMillis renders a store timestamp (Unix milliseconds) for the wire.
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimeLayout)
}

// Format renders a time.Time for the wire, truncated to milliseconds.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimeLayout)
}

// Time is a time.Time that marshals with the wire layout.
type Time time.Time

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", Format(time.Time(t)))), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts the wire layout and
// plain RFC 3339 for leniency with agent clients.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("wire: invalid timestamp %s", s)
	}
	s = s[1 : len(s)-1]
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		parsed, err = time.Parse(TimeLayout, s)
		if err != nil {
			return fmt.Errorf("wire: invalid timestamp %q: %w", s, err)
		}
	}
	*t = Time(parsed.UTC())
	return nil
}
