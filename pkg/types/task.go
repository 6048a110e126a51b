package types

import (
	"fmt"
	"time"
)

// DateLayout is the ISO-8601 calendar date form used in task keys,
// cursor files and CLI flags.
const DateLayout = "2006-01-02"

// Date returns the civil date (y, m, d) in the canonical in-memory
// representation: midnight UTC. All date arithmetic in the planner and
// scheduler operates on values normalized this way.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO calendar date into the canonical form.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("types: parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a date in the ISO calendar form.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Today returns the current calendar date as observed in IST. Court
// listings roll over on IST midnight, so "today" is always the IST
// date even when the process runs in another zone.
func Today() time.Time {
	return DateOf(time.Now())
}

// DateOf truncates an instant to the IST calendar date it falls on,
// in the canonical form.
func DateOf(t time.Time) time.Time {
	t = t.In(IST)
	return Date(t.Year(), t.Month(), t.Day())
}

// DaysBetween returns the number of calendar days from a to b. Both
// arguments must be canonical dates; the result is negative when b
// precedes a.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

// MinDate returns the earlier of two dates.
func MinDate(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// Task is one unit of crawl work: fetch every case decided in a date
// range for a single court complex. Tasks are the granularity of the
// completion ledger, so their keys must be stable across runs.
type Task struct {
	Jurisdiction

	// FromDate and ToDate bound the decision date range, inclusive
	// on both ends.
	FromDate time.Time
	ToDate   time.Time
}

// Validate checks the jurisdiction codes and date ordering.
func (t Task) Validate() error {
	if err := t.Jurisdiction.Validate(); err != nil {
		return err
	}
	if t.ToDate.Before(t.FromDate) {
		return fmt.Errorf("types: task range ends %s before it starts %s",
			FormatDate(t.ToDate), FormatDate(t.FromDate))
	}
	return nil
}

// Key returns the ledger key for the task:
// state_district_complex_from_to with ISO dates, for example
// "29_9_1290105_2025-01-01_2025-01-10". Two runs that compute the
// same task produce the same key, which is what makes the completion
// ledger effective.
func (t Task) Key() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		t.StateCode, t.DistrictCode, t.ComplexCode,
		FormatDate(t.FromDate), FormatDate(t.ToDate))
}

// String is the log-friendly form of the task, identical to Key.
func (t Task) String() string {
	return t.Key()
}
