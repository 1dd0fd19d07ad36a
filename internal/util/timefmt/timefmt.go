package timefmt

import (
	"fmt"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Parse is the inverse of Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(ISO8601, s)
}

// Elapsed renders a run duration as M:SS, or H:MM:SS from one hour on.
// Negative durations render as 0:00.
func Elapsed(d time.Duration) string {
	secs := int64(max(d, 0) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
