package workflow

import "time"

// FiscalYear returns the fiscal year containing t for a year that starts on
// the first day of startMonth. A year starting in January is the calendar
// year; any later start names the year by the calendar year in which it
// ends, so with an April start 2025-04-01 falls in fiscal year 2026.
func FiscalYear(t time.Time, startMonth time.Month) int {
	if startMonth <= time.January || startMonth > time.December {
		return t.Year()
	}
	if t.Month() >= startMonth {
		return t.Year() + 1
	}
	return t.Year()
}
