package ingest

import (
	"strconv"
	"strings"
)

// Row is one spreadsheet row keyed by header name. Date and time cells hold
// either a float64 serial value or a string.
type Row map[string]any

// String returns the cell as text. Missing cells yield "".
// Integral numbers are rendered without a decimal part.
func (r Row) String(column string) string {
	return CellString(r[column])
}

// Has reports whether the row carries a non-empty value for column.
func (r Row) Has(column string) bool {
	return r.String(column) != ""
}

// Sheet is the first worksheet of an uploaded file.
type Sheet struct {
	Name    string
	Headers []string
	Rows    []Row
}

// CellString renders a cell value as trimmed text.
func CellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(c), 'f', -1, 32)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	case bool:
		return strconv.FormatBool(c)
	case interface{ String() string }:
		return strings.TrimSpace(c.String())
	default:
		return ""
	}
}
