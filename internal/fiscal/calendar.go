package fiscal

import (
	"fmt"
	"time"
)

// clampDay returns day limited to the last valid day of the month, so a
// fiscal-year start of the 31st rolls to the 28th/29th/30th where needed.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// fiscalYearStart returns the first day of the given fiscal year.
func fiscalYearStart(fiscalYear, startMonth, startDay int) time.Time {
	m := time.Month(startMonth)
	return time.Date(fiscalYear, m, clampDay(fiscalYear, m, startDay), 0, 0, 0, 0, time.UTC)
}

// periodStart returns the start date of period n (1-12) in a fiscal year.
// Each period begins on the configured start day shifted n-1 months, clamped
// to the target month's length.
func periodStart(fiscalYear, startMonth, startDay, n int) time.Time {
	months := startMonth + n - 1
	year := fiscalYear + (months-1)/12
	month := time.Month((months-1)%12 + 1)
	return time.Date(year, month, clampDay(year, month, startDay), 0, 0, 0, 0, time.UTC)
}

// periodBounds returns the inclusive [start, end] range for period n. The end
// is the day before the next period starts, keeping periods contiguous and
// non-overlapping even across clamped month boundaries.
func periodBounds(fiscalYear, startMonth, startDay, n int) (time.Time, time.Time) {
	start := periodStart(fiscalYear, startMonth, startDay, n)
	var next time.Time
	if n == 12 {
		next = fiscalYearStart(fiscalYear+1, startMonth, startDay)
	} else {
		next = periodStart(fiscalYear, startMonth, startDay, n+1)
	}
	return start, next.AddDate(0, 0, -1)
}

// nextGridStart returns the first month boundary of a startDay grid strictly
// after d.
func nextGridStart(d time.Time, startDay int) time.Time {
	year, month := d.Year(), d.Month()
	c := time.Date(year, month, clampDay(year, month, startDay), 0, 0, 0, 0, time.UTC)
	if c.After(d) {
		return c
	}
	next := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return time.Date(next.Year(), next.Month(), clampDay(next.Year(), next.Month(), startDay), 0, 0, 0, 0, time.UTC)
}

// fiscalYearFor returns the fiscal year containing the date.
func fiscalYearFor(date time.Time, startMonth, startDay int) int {
	year := date.Year()
	if date.Before(fiscalYearStart(year, startMonth, startDay)) {
		return year - 1
	}
	return year
}

// periodName builds the display name stored on generated periods.
func periodName(fiscalYear, n int, start time.Time) string {
	return fmt.Sprintf("FY%d P%02d (%s)", fiscalYear, n, start.Format("Jan 2006"))
}
