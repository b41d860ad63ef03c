package dicomtag

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout   = "20060102"
	timeLayout   = "150405"
	offsetLayout = "-0700"
)

// ParseDate decodes a DA value (YYYYMMDD). Values that are empty, shorter
// than eight characters or otherwise malformed decode to fallback and
// ok=false, so callers can record that a substitution happened.
func ParseDate(value string, fallback time.Time) (t time.Time, ok bool) {
	if len(value) < len(dateLayout) {
		return fallback, false
	}
	t, err := time.Parse(dateLayout, value[:len(dateLayout)])
	if err != nil {
		return fallback, false
	}
	return t, true
}

// FormatDate encodes t as a DA value. The zero time encodes as "".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// FormatTime encodes t as a TM value (HHMMSS). The zero time encodes as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

// ParseDateTime recombines a DA and a TM value. Fractional seconds and
// shortened TM forms (HH, HHMM) are accepted.
func ParseDateTime(date, tm string) (time.Time, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm = tm[:i]
	}
	for len(tm) < len(timeLayout) && len(tm)%2 == 0 && tm != "" {
		tm += "00"
	}
	if tm == "" {
		return d, nil
	}
	clock, err := time.Parse(timeLayout, tm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", tm, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC), nil
}


// FormatZoneOffset encodes the UTC offset of t as "+HHMM" or "-HHMM".
func FormatZoneOffset(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(offsetLayout)
}

// ParseZoneOffset decodes a "+HHMM" or "-HHMM" offset into a fixed zone.
func ParseZoneOffset(value string) (*time.Location, error) {
	off, err := time.Parse(offsetLayout, strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("parse zone offset %q: %w", value, err)
	}
	_, secs := off.Zone()
	return time.FixedZone(value, secs), nil
}
