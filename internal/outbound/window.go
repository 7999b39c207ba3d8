package outbound

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the plain timestamp format accepted on the command line.
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultLookback is used for a kind that has never been dispatched.
const DefaultLookback = 24 * time.Hour

// Window bounds the report change times to extract.
type Window struct {
	// Start is exclusive. Zero means the kind's watermark.
	Start time.Time

	// End is inclusive.
	End time.Time
}

// FromWatermark reports whether the start is resolved per kind.
func (w Window) FromWatermark() bool {
	return w.Start.IsZero()
}

// ParseWindow parses the --start and --end arguments. An empty start or
// "last" defers to the watermark; an empty end or "now" uses now. Plain
// timestamps are read in loc.
func ParseWindow(start, end string, now time.Time, loc *time.Location) (Window, error) {
	var w Window

	switch s := strings.TrimSpace(start); strings.ToLower(s) {
	case "", "last":
	default:
		t, err := parseTimestamp(s, loc)
		if err != nil {
			return Window{}, fmt.Errorf("start: %w", err)
		}
		w.Start = t
	}

	switch e := strings.TrimSpace(end); strings.ToLower(e) {
	case "", "now":
		w.End = now
	default:
		t, err := parseTimestamp(e, loc)
		if err != nil {
			return Window{}, fmt.Errorf("end: %w", err)
		}
		w.End = t
	}

	if !w.Start.IsZero() && w.Start.After(w.End) {
		return Window{}, fmt.Errorf("start %s is after end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return w, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation(TimestampLayout, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, want %q or RFC3339", s, TimestampLayout)
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// Location resolves a configured time zone: a UTC offset such as "+07:00"
// or an IANA name. Anything else resolves to UTC.
func Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if m := offsetPattern.FindStringSubmatch(tz); m != nil {
		h, _ := strconv.Atoi(m[2])
		min, _ := strconv.Atoi(m[3])
		secs := h*3600 + min*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(tz, secs)
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
