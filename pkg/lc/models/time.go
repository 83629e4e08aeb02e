package models

import (
	"fmt"
	"strings"
	"time"
)

// ISOLayout is the timestamp layout used in fragment file names and
// connection documents (millisecond precision, always UTC).
const ISOLayout = "2006-01-02T15:04:05.000Z"

var timeFormats = []string{
	time.RFC3339Nano,
	ISOLayout,
	time.RFC3339,
	"2006-01-02T15:04:05.999999", // no zone, treated as UTC
	"2006-01-02T15:04:05",
	time.RFC1123,
	time.RFC1123Z,
}

// ParseTime parses the timestamp flavours found in storage file names,
// connection documents and HTTP headers.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.Trim(s, "\""))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var parseErr error
	for _, format := range timeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		parseErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time %q: %w", s, parseErr)
}

// FormatISO renders t the way fragment names are written on disk.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TrimFragmentName strips the storage extension(s) from a fragment file
// name, e.g. "2024-01-01T10:00:00.000Z.jsonld.gz" -> "2024-01-01T10:00:00.000Z".
func TrimFragmentName(name string) string {
	if i := strings.Index(name, ".json"); i >= 0 {
		return name[:i]
	}
	return name
}

// ParseFragmentName returns the epoch milliseconds encoded in a fragment file name.
func ParseFragmentName(name string) (int64, error) {
	t, err := ParseTime(TrimFragmentName(name))
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
