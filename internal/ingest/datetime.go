package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Output layouts for DateTime.
const (
	DateLayout = "02/01/2006"
	TimeLayout = "15:04"
)

// serialEpoch is the spreadsheet serial day number of 1970-01-01.
const serialEpoch = 25569

// DateTime is a normalized registry date/time pair.
// Degraded is set when any component could not be parsed and was replaced by
// the current date or time.
type DateTime struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Degraded bool   `json:"degraded,omitempty"`
}

// String returns "DD/MM/YYYY HH:MM".
func (d DateTime) String() string {
	return d.Date + " " + d.Time
}

// Instant parses the pair back into a UTC wall-clock time.
func (d DateTime) Instant() (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, d.String(), time.UTC)
}

// Shift returns the pair moved by minutes. A pair that does not parse is
// returned unchanged.
func (d DateTime) Shift(minutes int) DateTime {
	t, err := d.Instant()
	if err != nil {
		return d
	}
	t = t.Add(time.Duration(minutes) * time.Minute)
	return DateTime{Date: t.Format(DateLayout), Time: t.Format(TimeLayout), Degraded: d.Degraded}
}

// genericDateLayouts are tried when a date string is neither DD/MM/YYYY nor YYYY/MM/DD.
var genericDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2-Jan-2006",
	"02-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
}

// Decoder converts spreadsheet date/time cells into DateTime values.
// Now and Location only matter for the degraded fallback.
type Decoder struct {
	Now      func() time.Time
	Location *time.Location
}

// DefaultDecoder uses the wall clock in the local time zone.
var DefaultDecoder = &Decoder{}

// Decode normalizes a date cell and a time cell using DefaultDecoder.
func Decode(dateCell, timeCell any, offsetMinutes int) DateTime {
	return DefaultDecoder.Decode(dateCell, timeCell, offsetMinutes)
}

// DecodeDisplay renders a date/time pair for previews using DefaultDecoder.
func DecodeDisplay(dateCell, timeCell any) string {
	return DefaultDecoder.DecodeDisplay(dateCell, timeCell)
}

// Decode normalizes a date cell and a time cell and shifts the result by
// offsetMinutes. It never fails: unparseable parts fall back to the current
// date or time of day and mark the result as degraded.
func (d *Decoder) Decode(dateCell, timeCell any, offsetMinutes int) DateTime {
	now := d.now()
	degraded := false

	y, m, day, ok := decodeDate(dateCell)
	if !ok {
		y, m, day = now.Date()
		degraded = true
	}

	hour, minute, ok := decodeTime(timeCell)
	if !ok {
		hour, minute = now.Hour(), now.Minute()
		degraded = true
	}

	t := time.Date(y, m, day, hour, minute, 0, 0, time.UTC)
	t = t.Add(time.Duration(offsetMinutes) * time.Minute)

	return DateTime{
		Date:     t.Format(DateLayout),
		Time:     t.Format(TimeLayout),
		Degraded: degraded,
	}
}

// DecodeDisplay returns "DD/MM/YYYY HH:MM" without any offset.
func (d *Decoder) DecodeDisplay(dateCell, timeCell any) string {
	return d.Decode(dateCell, timeCell, 0).String()
}

func (d *Decoder) now() time.Time {
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc)
}

// decodeDate returns the calendar date held by a cell.
func decodeDate(cell any) (int, time.Month, int, bool) {
	if serial, ok := numericCell(cell); ok {
		if math.IsNaN(serial) || math.IsInf(serial, 0) {
			return 0, 0, 0, false
		}
		days := int64(math.Floor(serial)) - serialEpoch
		t := time.Unix(days*86400, 0).UTC()
		y, m, day := t.Date()
		return y, m, day, true
	}

	s, ok := cell.(string)
	if !ok {
		return 0, 0, 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, 0, false
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) >= 3 {
		// Index 2 is checked first, so "2024/01/2024" reads as DD/MM/YYYY.
		if len(parts[2]) == 4 {
			if y, m, day, ok := dateFromParts(parts[2], parts[1], parts[0]); ok {
				return y, m, day, true
			}
		} else if len(parts[0]) == 4 {
			if y, m, day, ok := dateFromParts(parts[0], parts[1], parts[2]); ok {
				return y, m, day, true
			}
		}
	}

	if t, ok := parseDateFastDDMMYYYY(s); ok {
		y, m, day := t.Date()
		return y, m, day, true
	}
	for _, layout := range genericDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, day := t.Date()
			return y, m, day, true
		}
	}
	return 0, 0, 0, false
}

// dateFromParts validates numeric year/month/day segments.
// Impossible dates such as 31/02 are rejected instead of normalized.
func dateFromParts(ys, ms, ds string) (int, time.Month, int, bool) {
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return 0, 0, 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(ms))
	if err != nil || m < 1 || m > 12 {
		return 0, 0, 0, false
	}
	day, err := strconv.Atoi(strings.TrimSpace(ds))
	if err != nil || day < 1 || day > 31 {
		return 0, 0, 0, false
	}
	t := time.Date(y, time.Month(m), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return 0, 0, 0, false
	}
	return y, time.Month(m), day, true
}

// parseDateFastDDMMYYYY parses DD.MM.YYYY (10 chars: "31.01.2026").
func parseDateFastDDMMYYYY(value string) (time.Time, bool) {
	if len(value) != 10 || value[2] != '.' || value[5] != '.' {
		return time.Time{}, false
	}
	for _, i := range []int{0, 1, 3, 4, 6, 7, 8, 9} {
		if value[i] < '0' || value[i] > '9' {
			return time.Time{}, false
		}
	}

	day := int(value[0]-'0')*10 + int(value[1]-'0')
	month := int(value[3]-'0')*10 + int(value[4]-'0')
	year := int(value[6]-'0')*1000 + int(value[7]-'0')*100 + int(value[8]-'0')*10 + int(value[9]-'0')

	y, m, d, ok := dateFromParts(strconv.Itoa(year), strconv.Itoa(month), strconv.Itoa(day))
	if !ok {
		return time.Time{}, false
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
}

// decodeTime returns hour and minute held by a cell.
func decodeTime(cell any) (int, int, bool) {
	if fraction, ok := numericCell(cell); ok {
		if math.IsNaN(fraction) || math.IsInf(fraction, 0) {
			return 0, 0, false
		}
		total := int64(math.Round(fraction * 24 * 60))
		hours := floorMod(floorDiv(total, 60), 24)
		minutes := floorMod(total, 60)
		return int(hours), int(minutes), true
	}

	s, ok := cell.(string)
	if !ok {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// numericCell reports whether a cell carries a number.
func numericCell(cell any) (float64, bool) {
	switch v := cell.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case string:
		return numericString(v)
	}
	return 0, false
}

// numericString reads serial values exported as text, as CSV files carry
// them: "45678", "0.333333", "45678,5". Strings with date or time
// separators are left to the text layouts.
func numericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "/-:") {
		return 0, false
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - floorDiv(a, b)*b
}

// SerialDays converts a calendar date back into the spreadsheet serial day number.
func SerialDays(t time.Time) int64 {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return midnight.Unix()/86400 + serialEpoch
}
