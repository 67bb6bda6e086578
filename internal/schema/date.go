package schema

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date stored as "YYYY-MM-DD".
//
// Comparisons are lexicographic on the string form, which is only correct
// while every stored date is zero-padded. ParseDate and DateOf always produce
// padded values; records written by older clients are assumed to follow the
// same layout and are not re-parsed before comparison.
type Date string

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// ParseDate validates s and returns it as a Date. RFC 3339 timestamps are
// truncated to their date part.
func ParseDate(s string) (Date, error) {
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t.UTC()), nil
	}
	return "", fmt.Errorf("date %q is not YYYY-MM-DD", s)
}

// Time returns the date at midnight UTC.
func (d Date) Time() (time.Time, error) {
	return time.Parse(dateLayout, string(d))
}

// Before reports whether d sorts before other.
func (d Date) Before(other Date) bool {
	return string(d) < string(other)
}

func (d Date) String() string { return string(d) }
