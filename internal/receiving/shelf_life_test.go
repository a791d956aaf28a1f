package receiving

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseShelfLifeMonths(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"6", 6},
		{"12", 12},
		{"1 month", 1},
		{"6 months", 6},
		{"  18 Months ", 18},
		{"", 12},
		{"0", 12},
		{"-3", 12},
		{"six months", 12},
		{"90 days", 12},
		{"2 years", 12},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseShelfLifeMonths(tc.in), "input %q", tc.in)
	}
}

func TestAddMonthsClampsDay(t *testing.T) {
	got := AddMonths(time.Date(2024, time.August, 31, 0, 0, 0, 0, time.UTC), 6)
	require.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), got)
}

func TestAddMonthsLeapYear(t *testing.T) {
	got := AddMonths(time.Date(2023, time.August, 31, 0, 0, 0, 0, time.UTC), 6)
	require.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestAddMonthsYearRollover(t *testing.T) {
	got := AddMonths(time.Date(2024, time.November, 15, 0, 0, 0, 0, time.UTC), 14)
	require.Equal(t, time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), got)
}

func TestAddMonthsPlainCase(t *testing.T) {
	got := AddMonths(time.Date(2024, time.March, 10, 8, 30, 0, 0, time.UTC), 3)
	require.Equal(t, time.Date(2024, time.June, 10, 8, 30, 0, 0, time.UTC), got)
}
