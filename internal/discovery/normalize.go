package discovery

import (
	"strings"
	"time"
)

// dateLayout is the calendar-day key used for run_date bucketing.
const dateLayout = "2006-01-02"

// NormalizeName lower-cases and trims a vendor name for deduplication.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DateKey returns the calendar day of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

// HourIn returns the wall-clock hour of t in loc.
func HourIn(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}
