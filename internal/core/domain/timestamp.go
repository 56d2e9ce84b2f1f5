package domain

import (
	"time"
)

// DefaultClockSkewTolerance absorbs clock drift between communicating hosts.
// Without it, legitimate envelopes near the window boundary are spuriously
// rejected.
const DefaultClockSkewTolerance = time.Second

// DefaultEnvelopeTTL is the lifetime written into outgoing WS-Security
// timestamps (Expires = Created + TTL).
const DefaultEnvelopeTTL = 5 * time.Minute

// WithinTimestampWindow reports whether now falls inside the
// [created-tolerance, expires+tolerance] validity window. Pure and stateless;
// the envelope codec layers its error taxonomy on top of this predicate.
func WithinTimestampWindow(created, expires, now time.Time, tolerance time.Duration) bool {
	return !created.After(now.Add(tolerance)) && !expires.Before(now.Add(-tolerance))
}

// wsuTimeFormats lists the accepted WS-Security timestamp layouts. RFC 3339
// covers the "+00:00" offset form and fractional seconds.
var wsuTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseWSUTime parses a WS-Security Created/Expires value. Both the "Z" and
// "+00:00" offset forms are accepted, with or without fractional seconds.
func ParseWSUTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range wsuTimeFormats {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatWSUTime renders an instant as a WS-Security timestamp, normalized to
// UTC with a "Z" suffix and no fractional seconds.
func FormatWSUTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
