package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriodBoundsCalendarYear(t *testing.T) {
	start, end := periodBounds(2024, 1, 1, 1)
	require.Equal(t, date(2024, time.January, 1), start)
	require.Equal(t, date(2024, time.January, 31), end)

	start, end = periodBounds(2024, 1, 1, 2)
	require.Equal(t, date(2024, time.February, 1), start)
	require.Equal(t, date(2024, time.February, 29), end)

	start, end = periodBounds(2024, 1, 1, 12)
	require.Equal(t, date(2024, time.December, 1), start)
	require.Equal(t, date(2024, time.December, 31), end)
}

func TestPeriodBoundsClampedStartDay(t *testing.T) {
	// A fiscal year anchored on the 31st clamps in short months without
	// leaving gaps or overlaps between consecutive periods.
	start, end := periodBounds(2023, 1, 31, 1)
	require.Equal(t, date(2023, time.January, 31), start)
	require.Equal(t, date(2023, time.February, 27), end)

	start, end = periodBounds(2023, 1, 31, 2)
	require.Equal(t, date(2023, time.February, 28), start)
	require.Equal(t, date(2023, time.March, 30), end)

	for n := 1; n < 12; n++ {
		_, end := periodBounds(2023, 1, 31, n)
		next, _ := periodBounds(2023, 1, 31, n+1)
		require.Equal(t, next.AddDate(0, 0, -1), end, "period %d must abut period %d", n, n+1)
	}
}

func TestPeriodBoundsNonCalendarYear(t *testing.T) {
	// April-start fiscal year: period 12 ends the day before the next FY.
	start, end := periodBounds(2024, 4, 1, 12)
	require.Equal(t, date(2025, time.March, 1), start)
	require.Equal(t, date(2025, time.March, 31), end)
}

func TestFiscalYearFor(t *testing.T) {
	require.Equal(t, 2024, fiscalYearFor(date(2024, time.June, 15), 1, 1))
	require.Equal(t, 2024, fiscalYearFor(date(2024, time.June, 15), 4, 1))
	require.Equal(t, 2023, fiscalYearFor(date(2024, time.March, 31), 4, 1))
	require.Equal(t, 2024, fiscalYearFor(date(2024, time.April, 1), 4, 1))
}

func TestPeriodName(t *testing.T) {
	require.Equal(t, "FY2024 P03 (Mar 2024)", periodName(2024, 3, date(2024, time.March, 1)))
}
