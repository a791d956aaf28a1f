package receiving

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// defaultShelfLifeMonths applies when a product's declared shelf life is
// absent or unparseable.
const defaultShelfLifeMonths = 12

var shelfLifePattern = regexp.MustCompile(`^(\d+)\s*month(s)?$`)

// ParseShelfLifeMonths extracts a month count from a product's declared shelf
// life. Accepted forms are a bare integer ("6") and "<n> month(s)". Anything
// else, including day or year units, is product-data noise and falls back to
// the default rather than being guessed at.
func ParseShelfLifeMonths(shelfLife string) int {
	s := strings.ToLower(strings.TrimSpace(shelfLife))
	if s == "" {
		return defaultShelfLifeMonths
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	if m := shelfLifePattern.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return defaultShelfLifeMonths
}

// AddMonths advances a date by whole months, carrying month overflow into the
// year and clamping the day to the target month's last day. 2024-08-31 plus
// six months lands on 2025-02-28, not a normalized date in March.
func AddMonths(t time.Time, months int) time.Time {
	year := t.Year()
	month := int(t.Month()) + months
	for month > 12 {
		month -= 12
		year++
	}
	day := t.Day()
	if last := lastDayOfMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
