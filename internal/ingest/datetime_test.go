package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.March, 14, 9, 26, 0, 0, time.UTC)

func newTestDecoder() *Decoder {
	return &Decoder{
		Now:      func() time.Time { return fixedNow },
		Location: time.UTC,
	}
}

func TestDecode_NumericCells(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name     string
		date     any
		time     any
		wantDate string
		wantTime string
	}{
		{"epoch", 25569.0, 0.0, "01/01/1970", "00:00"},
		{"registry example", 45678.0, 0.333333, "21/01/2025", "08:00"},
		{"fraction on date is discarded", 45678.9, 0.5, "21/01/2025", "12:00"},
		{"int cells", 45678, 0.75, "21/01/2025", "18:00"},
		{"rounding to nearest minute", 45678.0, 0.999999, "21/01/2025", "00:00"},
		{"time as full serial", 45678.0, 45678.25, "21/01/2025", "06:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decode(tt.date, tt.time, 0)
			assert.Equal(t, tt.wantDate, got.Date)
			assert.Equal(t, tt.wantTime, got.Time)
			assert.False(t, got.Degraded)
		})
	}
}

func TestDecode_SerialText(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name     string
		date     any
		time     any
		wantDate string
		wantTime string
	}{
		{"serials as text", "45678", "0.333333", "21/01/2025", "08:00"},
		{"padded text", " 45678 ", " 0.5 ", "21/01/2025", "12:00"},
		{"decimal comma", "45678", "0,75", "21/01/2025", "18:00"},
		{"text date with numeric time", "21/01/2025", "0.25", "21/01/2025", "06:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decode(tt.date, tt.time, 0)
			assert.Equal(t, tt.wantDate, got.Date)
			assert.Equal(t, tt.wantTime, got.Time)
			assert.False(t, got.Degraded)
		})
	}
}

func TestDecode_StringDates(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name     string
		date     string
		wantDate string
	}{
		{"DD/MM/YYYY", "05/02/2025", "05/02/2025"},
		{"DD-MM-YYYY", "05-02-2025", "05/02/2025"},
		{"D/M/YYYY", "5/2/2025", "05/02/2025"},
		{"YYYY/MM/DD", "2025/02/05", "05/02/2025"},
		{"YYYY-MM-DD", "2025-02-05", "05/02/2025"},
		{"DD.MM.YYYY fallback", "05.02.2025", "05/02/2025"},
		{"ISO datetime fallback", "2025-02-05T13:45:00", "05/02/2025"},
		{"month name fallback", "5-Feb-2025", "05/02/2025"},
		{"date with time suffix", "05/02/2025 10:30", "05/02/2025"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decode(tt.date, "10:15", 0)
			assert.Equal(t, tt.wantDate, got.Date)
			assert.Equal(t, "10:15", got.Time)
			assert.False(t, got.Degraded)
		})
	}
}

func TestDecode_StringTimes(t *testing.T) {
	d := newTestDecoder()

	got := d.Decode("01/06/2025", "7:5", 0)
	assert.Equal(t, "07:05", got.Time)

	got = d.Decode("01/06/2025", "23:59:59", 0)
	assert.Equal(t, "23:59", got.Time)
	assert.False(t, got.Degraded)
}

func TestDecode_DegradedFallback(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name     string
		date     any
		time     any
		wantDate string
		wantTime string
	}{
		{"garbage date", "not a date", "08:00", "14/03/2025", "08:00"},
		{"impossible day", "31/02/2025", "08:00", "14/03/2025", "08:00"},
		{"index 2 wins when both segments have four digits", "2024/01/2025", "08:00", "14/03/2025", "08:00"},
		{"missing date", nil, "08:00", "14/03/2025", "08:00"},
		{"empty time", "01/06/2025", "", "01/06/2025", "09:26"},
		{"garbage time", "01/06/2025", "ocho", "01/06/2025", "09:26"},
		{"out of range time", "01/06/2025", "25:00", "01/06/2025", "09:26"},
		{"NaN serial", math.NaN(), 0.5, "14/03/2025", "12:00"},
		{"bool cell", true, false, "14/03/2025", "09:26"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decode(tt.date, tt.time, 0)
			assert.Equal(t, tt.wantDate, got.Date)
			assert.Equal(t, tt.wantTime, got.Time)
			assert.True(t, got.Degraded)
		})
	}
}

func TestDecode_FallbackUsesDecoderLocation(t *testing.T) {
	bogota, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	d := &Decoder{
		Now:      func() time.Time { return time.Date(2025, 3, 15, 2, 0, 0, 0, time.UTC) },
		Location: bogota,
	}

	got := d.Decode("", "", 0)
	assert.Equal(t, "14/03/2025", got.Date)
	assert.Equal(t, "21:00", got.Time)
}

func TestDecode_Offset(t *testing.T) {
	d := newTestDecoder()

	got := d.Decode("31/12/2024", "23:30", 45)
	assert.Equal(t, "01/01/2025", got.Date)
	assert.Equal(t, "00:15", got.Time)

	got = d.Decode("01/01/2025", "00:10", -20)
	assert.Equal(t, "31/12/2024", got.Date)
	assert.Equal(t, "23:50", got.Time)
}

func TestDecode_OffsetIsAdditive(t *testing.T) {
	d := newTestDecoder()
	cells := []struct {
		date any
		time any
	}{
		{45678.0, 0.333333},
		{"28/02/2024", "23:10"},
		{"2025/12/31", 0.99},
	}

	for _, c := range cells {
		at60 := d.Decode(c.date, c.time, 60)
		at90 := d.Decode(c.date, c.time, 90)

		t60, err := at60.Instant()
		require.NoError(t, err)
		t90, err := at90.Instant()
		require.NoError(t, err)

		assert.Equal(t, t90, t60.Add(30*time.Minute))
	}
}

func TestDecode_NumericDateRoundTrip(t *testing.T) {
	d := newTestDecoder()

	for _, serial := range []float64{25569, 36526.5, 43831.99, 45678, 47848.25} {
		got := d.Decode(serial, 0.0, 0)
		instant, err := got.Instant()
		require.NoError(t, err)
		assert.Equal(t, int64(math.Floor(serial)), SerialDays(instant), "serial %v", serial)
	}
}

func TestDateTime_FormatRoundTrip(t *testing.T) {
	d := newTestDecoder()
	got := d.Decode("07/08/2025", "06:04", 0)

	instant, err := got.Instant()
	require.NoError(t, err)
	assert.Equal(t, got.Date, instant.Format(DateLayout))
	assert.Equal(t, got.Time, instant.Format(TimeLayout))
}

func TestDecodeDisplay(t *testing.T) {
	d := newTestDecoder()
	assert.Equal(t, "21/01/2025 08:00", d.DecodeDisplay(45678.0, 0.333333))
	assert.Equal(t, "05/02/2025 17:45", d.DecodeDisplay("2025-02-05", "17:45"))
}

func TestParseDateFastDDMMYYYY(t *testing.T) {
	got, ok := parseDateFastDDMMYYYY("31.01.2026")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), got)

	for _, bad := range []string{"31-01-2026", "31.01.26", "32.01.2026", "31.13.2026", "3a.01.2026"} {
		_, ok := parseDateFastDDMMYYYY(bad)
		assert.False(t, ok, bad)
	}
}

func TestDateTime_Shift(t *testing.T) {
	dt := DateTime{Date: "31/12/2024", Time: "23:45", Degraded: true}

	got := dt.Shift(30)
	assert.Equal(t, DateTime{Date: "01/01/2025", Time: "00:15", Degraded: true}, got)

	bad := DateTime{Date: "??", Time: "08:00"}
	assert.Equal(t, bad, bad.Shift(30))
}
