package importer

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// APIDateLayout is the date format expected by the enrollment endpoints.
const APIDateLayout = "2006-01-02"

// maxSerial is the spreadsheet serial for 9999-12-31.
const maxSerial = 2958465

var (
	serialEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

	numericPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)
	dmyLong        = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{4})$`)
	ymd            = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
	dmyShort       = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{2})$`)
)

// fallbackLayouts are tried, in order, after the day-first and year-first
// patterns have failed.
var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02",
	"2 Jan 2006",
	"2 January 2006",
	"2-Jan-2006",
	"2-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"Mon Jan 2 2006",
	"Mon, Jan 2, 2006",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
}

// ParseDate interprets a cell value as a calendar date. The returned time
// is midnight UTC of that date. ok is false for empty or unparseable input.
//
// Purely numeric input is always a spreadsheet serial: serial 1 is
// 1900-01-01, and serials after 60 are shifted back a day for the
// spreadsheet's phantom 1900-02-29. Text is tried as DD-MM-YYYY,
// YYYY-MM-DD, then DD-MM-YY (20YY), with either '-' or '/' separators,
// rejecting dates that do not exist on the calendar. Anything else goes
// through a list of common layouts.
func ParseDate(value string) (time.Time, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, false
	}

	if numericPattern.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, false
		}
		return FromSerial(f)
	}

	if m := dmyLong.FindStringSubmatch(s); m != nil {
		if t, ok := calendarDate(atoi(m[3]), atoi(m[2]), atoi(m[1])); ok {
			return t, true
		}
	}
	if m := ymd.FindStringSubmatch(s); m != nil {
		if t, ok := calendarDate(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return t, true
		}
	}
	if m := dmyShort.FindStringSubmatch(s); m != nil {
		if t, ok := calendarDate(atoi(m[3])+2000, atoi(m[2]), atoi(m[1])); ok {
			return t, true
		}
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t), true
		}
	}

	return time.Time{}, false
}

// FromSerial converts a spreadsheet serial day number to a date.
// Fractional parts (time of day) are dropped.
func FromSerial(serial float64) (time.Time, bool) {
	if math.IsNaN(serial) || math.IsInf(serial, 0) || math.Abs(serial) > maxSerial {
		return time.Time{}, false
	}

	days := serial
	if days > 60 {
		days--
	}
	return serialEpoch.AddDate(0, 0, int(math.Floor(days-1))), true
}

// DateOf accepts the kinds of values a spreadsheet library may hand back
// for a date cell: a time.Time, a numeric serial, or text.
func DateOf(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return dateOnly(x), true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return DateOf(*x)
	case float64:
		return FromSerial(x)
	case float32:
		return FromSerial(float64(x))
	case int:
		return FromSerial(float64(x))
	case int64:
		return FromSerial(float64(x))
	case string:
		return ParseDate(x)
	case fmt.Stringer:
		return ParseDate(x.String())
	default:
		return time.Time{}, false
	}
}

// FormatDateForAPI renders t as YYYY-MM-DD, or "" for the zero time.
func FormatDateForAPI(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(APIDateLayout)
}

// NormalizeDate parses value and reformats it for the API. Unparseable
// input yields "".
func NormalizeDate(value string) string {
	t, ok := ParseDate(value)
	if !ok {
		return ""
	}
	return FormatDateForAPI(t)
}

// Today returns the calendar date of now as midnight UTC, comparable with
// dates returned by ParseDate.
func Today(now time.Time) time.Time {
	return dateOnly(now)
}

// ValidateDateField checks that value is present, parses, and is not after
// today. The error text names the field by label.
func ValidateDateField(value, label string, today time.Time) error {
	if strings.TrimSpace(value) == "" {
		return errors.New(label + " is required")
	}

	t, ok := ParseDate(value)
	if !ok {
		return errors.New(label + " is not a valid date")
	}

	if t.After(dateOnly(today)) {
		return errors.New(label + " cannot be in the future")
	}
	return nil
}

func calendarDate(year, month, day int) (time.Time, bool) {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
