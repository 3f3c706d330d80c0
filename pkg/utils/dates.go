package utils

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for settlement dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD settlement date into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return d, nil
}

// FormatDate renders a settlement date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange returns every date from start to end inclusive, ascending.
func DateRange(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil
	}
	out := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// YearMonth returns the YYYY-MM bucket a date belongs to.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthBounds returns the first and last day of a YYYY-MM bucket.
func MonthBounds(yearMonth string) (time.Time, time.Time, error) {
	first, err := time.ParseInLocation("2006-01", yearMonth, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid year-month %q (want YYYY-MM): %w", yearMonth, err)
	}
	return first, first.AddDate(0, 1, -1), nil
}

func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
