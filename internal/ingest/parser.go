package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// ErrNoHeader is returned when the first sheet has no header row.
var ErrNoHeader = errors.New("spreadsheet has no header row")

// CSVOptions configures CSV reading. Spreadsheets exported from Excel in
// Spanish locales usually use ";" and windows-1252/1251 code pages.
type CSVOptions struct {
	Encoding  string `json:"encoding"`  // "utf-8", "windows-1251" or "windows-1252"
	Delimiter string `json:"delimiter"` // ";" or ","
}

// ReadFile reads the first sheet of an .xlsx, .xlsm or .csv file.
func ReadFile(path string, opts CSVOptions) (*Sheet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(file)
	case ".csv", ".txt":
		return ReadCSV(file, opts)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
}

// ReadXLSX reads the first worksheet. Numeric cells (including dates and
// times stored as serial numbers) are returned as float64, everything else
// as string.
func ReadXLSX(r io.Reader) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	name := sheets[0]

	rows, err := f.Rows(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", name, err)
	}
	defer rows.Close()

	sheet := &Sheet{Name: name}
	rowNo := 0
	for rows.Next() {
		rowNo++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNo, err)
		}

		if sheet.Headers == nil {
			if isEmptyRecord(cols) {
				continue
			}
			sheet.Headers = normalizeHeaders(cols)
			continue
		}
		if isEmptyRecord(cols) {
			continue
		}

		row := make(Row, len(sheet.Headers))
		for i, header := range sheet.Headers {
			if header == "" || i >= len(cols) {
				continue
			}
			axis, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", rowNo, err)
			}
			row[header] = xlsxCellValue(f, name, axis, cols[i])
		}
		sheet.Rows = append(sheet.Rows, row)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate sheet %s: %w", name, err)
	}
	if sheet.Headers == nil {
		return nil, ErrNoHeader
	}
	return sheet, nil
}

func xlsxCellValue(f *excelize.File, sheet, axis, raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	typ, err := f.GetCellType(sheet, axis)
	if err != nil {
		return raw
	}
	switch typ {
	case excelize.CellTypeUnset, excelize.CellTypeNumber:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return raw
}

// ReadCSV reads a delimited file with a mandatory header row. All cells are strings.
func ReadCSV(r io.Reader, opts CSVOptions) (*Sheet, error) {
	var reader io.Reader = r
	switch strings.ToLower(opts.Encoding) {
	case "", "utf-8", "utf8":
	case "windows-1251":
		reader = charmap.Windows1251.NewDecoder().Reader(r)
	case "windows-1252":
		reader = charmap.Windows1252.NewDecoder().Reader(r)
	case "iso-8859-1", "latin1":
		reader = charmap.ISO8859_1.NewDecoder().Reader(r)
	default:
		return nil, fmt.Errorf("unsupported csv encoding: %s", opts.Encoding)
	}

	csvReader := csv.NewReader(reader)
	if opts.Delimiter != "" {
		csvReader.Comma = rune(opts.Delimiter[0])
	} else {
		csvReader.Comma = ';'
	}
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	sheet := &Sheet{Name: "csv"}
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv read error: %w", err)
		}
		if isEmptyRecord(record) {
			continue
		}
		if sheet.Headers == nil {
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
			sheet.Headers = normalizeHeaders(record)
			continue
		}

		row := make(Row, len(sheet.Headers))
		for i, header := range sheet.Headers {
			if header == "" || i >= len(record) {
				continue
			}
			row[header] = strings.TrimSpace(record[i])
		}
		sheet.Rows = append(sheet.Rows, row)
	}
	if sheet.Headers == nil {
		return nil, ErrNoHeader
	}
	return sheet, nil
}

// normalizeHeaders trims and upper-cases header names so column lookups are
// case-insensitive.
func normalizeHeaders(cols []string) []string {
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	return headers
}

func isEmptyRecord(cols []string) bool {
	for _, cell := range cols {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
